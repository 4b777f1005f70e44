package flow

// Metric accumulates a classification metric over batches of logits and
// integer labels.
type Metric interface {
	reset()
	update(logits *tensor, labels []int)
	result() float64
	name() string
}

// AccuracyMetric - percentage of samples whose argmax matches the label,
// in [0, 100]
type AccuracyMetric struct {
	correct int
	total   int
}

func Accuracy() Metric {
	return &AccuracyMetric{}
}

func (a *AccuracyMetric) reset() {
	a.correct = 0
	a.total = 0
}

func (a *AccuracyMetric) update(logits *tensor, labels []int) {
	classes := logits.cols()
	for i, label := range labels {
		if argmax(logits.data[i*classes:(i+1)*classes]) == label {
			a.correct++
		}
		a.total++
	}
}

func (a *AccuracyMetric) result() float64 {
	if a.total == 0 {
		return 0
	}
	return 100 * float64(a.correct) / float64(a.total)
}

func (a *AccuracyMetric) name() string { return "accuracy" }

// confusion counts one class against the rest.
type confusion struct {
	positive int
	tp       int
	fp       int
	fn       int
}

func (c *confusion) reset() {
	c.tp, c.fp, c.fn = 0, 0, 0
}

func (c *confusion) update(logits *tensor, labels []int) {
	classes := logits.cols()
	for i, label := range labels {
		pred := argmax(logits.data[i*classes : (i+1)*classes])
		switch {
		case pred == c.positive && label == c.positive:
			c.tp++
		case pred == c.positive:
			c.fp++
		case label == c.positive:
			c.fn++
		}
	}
}

func (c *confusion) precision() float64 {
	if c.tp+c.fp == 0 {
		return 0
	}
	return float64(c.tp) / float64(c.tp+c.fp)
}

func (c *confusion) recall() float64 {
	if c.tp+c.fn == 0 {
		return 0
	}
	return float64(c.tp) / float64(c.tp+c.fn)
}

// PrecisionMetric - precision of PositiveClass, in [0, 1]
type PrecisionMetric struct {
	confusion
}

type PrecisionConfig struct {
	PositiveClass int
}

func Precision(config PrecisionConfig) Metric {
	return &PrecisionMetric{confusion{positive: config.PositiveClass}}
}

func (p *PrecisionMetric) result() float64 { return p.precision() }
func (p *PrecisionMetric) name() string    { return "precision" }

// RecallMetric - recall of PositiveClass, in [0, 1]
type RecallMetric struct {
	confusion
}

type RecallConfig struct {
	PositiveClass int
}

func Recall(config RecallConfig) Metric {
	return &RecallMetric{confusion{positive: config.PositiveClass}}
}

func (r *RecallMetric) result() float64 { return r.recall() }
func (r *RecallMetric) name() string    { return "recall" }

// F1ScoreMetric - harmonic mean of precision and recall of PositiveClass
type F1ScoreMetric struct {
	confusion
}

type F1Config struct {
	PositiveClass int
}

func F1Score(config F1Config) Metric {
	return &F1ScoreMetric{confusion{positive: config.PositiveClass}}
}

func (f *F1ScoreMetric) result() float64 {
	p, r := f.precision(), f.recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (f *F1ScoreMetric) name() string { return "f1" }
