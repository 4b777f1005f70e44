// Package device reports the compute hardware training runs on.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Info describes the CPU the flow engine will use. Training is CPU only.
type Info struct {
	Brand         string
	Vendor        string
	PhysicalCores int
	LogicalCores  int
	Threads       int // GOMAXPROCS
	Arch          string
	SIMD          []string
}

// simdFeatures are the vector extensions worth reporting.
var simdFeatures = []cpuid.FeatureID{
	cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.AVX512DQ, cpuid.ASIMD, cpuid.SVE,
}

// Detect inspects the current host.
func Detect() Info {
	info := Info{
		Brand:         strings.TrimSpace(cpuid.CPU.BrandName),
		Vendor:        cpuid.CPU.VendorString,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		Threads:       runtime.GOMAXPROCS(0),
		Arch:          runtime.GOARCH,
	}
	for _, f := range simdFeatures {
		if cpuid.CPU.Supports(f) {
			info.SIMD = append(info.SIMD, f.String())
		}
	}
	if info.Brand == "" {
		info.Brand = "unknown CPU"
	}
	if info.LogicalCores <= 0 {
		info.LogicalCores = runtime.NumCPU()
	}
	return info
}

// Wide reports whether the CPU has 256-bit or wider vector units.
func (i Info) Wide() bool {
	for _, f := range i.SIMD {
		if f == cpuid.AVX2.String() || f == cpuid.AVX512F.String() || f == cpuid.SVE.String() {
			return true
		}
	}
	return false
}

func (i Info) String() string {
	simd := "none"
	if len(i.SIMD) > 0 {
		simd = strings.Join(i.SIMD, ",")
	}
	return fmt.Sprintf("cpu (%s, %s, %d cores / %d threads, simd=%s)",
		i.Brand, i.Arch, i.PhysicalCores, i.Threads, simd)
}
