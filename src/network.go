package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
)

// Network is the main neural network container
type Network struct {
	layers     []Layer
	names      []string
	frozen     map[int]bool
	optimizer  Optimizer
	loss       Loss
	metrics    []Metric
	scheduler  Scheduler
	monitor    string
	gradClip   GradientClipConfig
	compiled   bool
	built      bool
	rng        *rand.Rand
	inputShape []int
}

// NetworkBuilder for fluent API
type NetworkBuilder struct {
	network *Network
	err     error
}

// NewNetwork creates a new network builder
func NewNetwork(config NetworkConfig) *NetworkBuilder {
	return &NetworkBuilder{
		network: &Network{
			rng:    rand.New(rand.NewSource(config.Seed)),
			frozen: make(map[int]bool),
		},
	}
}

// AddLayer adds a layer named "<index>.<kind>"
func (n *NetworkBuilder) AddLayer(layer Layer) *NetworkBuilder {
	if layer == nil {
		n.err = errorf("AddLayer: nil layer at index %d", len(n.network.layers))
		return n
	}
	return n.AddNamed(fmt.Sprintf("%d.%s", len(n.network.layers), layer.name()), layer)
}

// AddNamed adds a layer under name; parameter keys become
// "<name>.<param>", e.g. "stem.conv.weight".
func (n *NetworkBuilder) AddNamed(name string, layer Layer) *NetworkBuilder {
	if n.err != nil {
		return n
	}
	if layer == nil {
		n.err = errorf("AddNamed: nil layer %q", name)
		return n
	}
	for _, existing := range n.network.names {
		if existing == name {
			n.err = errorf("duplicate layer name %q", name)
			return n
		}
	}
	n.network.layers = append(n.network.layers, layer)
	n.network.names = append(n.network.names, name)
	return n
}

// Build finalizes the network structure for samples of inputShape
func (n *NetworkBuilder) Build(inputShape []int) (*Network, error) {
	if n.err != nil {
		return nil, n.err
	}
	net := n.network
	if len(net.layers) == 0 {
		return nil, errorf("network must have at least one layer")
	}
	if len(inputShape) == 0 {
		return nil, errorf("inputShape must be specified")
	}
	for _, d := range inputShape {
		if d <= 0 {
			return nil, errorf("inputShape dimensions must be > 0, got %v", inputShape)
		}
	}

	net.inputShape = append([]int(nil), inputShape...)

	currentShape := net.inputShape
	for i, layer := range net.layers {
		if err := layer.build(currentShape, net.rng); err != nil {
			return nil, errorf("layer %d (%s): %v", i, net.names[i], err)
		}
		for _, p := range layer.params() {
			p.key = net.names[i] + "." + p.local
		}
		currentShape = layer.outputShape()
	}

	net.built = true
	return net, nil
}

// InputShape is the per-sample input shape the network was built for.
func (n *Network) InputShape() []int {
	return append([]int(nil), n.inputShape...)
}

// OutputShape is the per-sample output shape.
func (n *Network) OutputShape() []int {
	return append([]int(nil), n.layers[len(n.layers)-1].outputShape()...)
}

// LayerNames lists registered layer names in order.
func (n *Network) LayerNames() []string {
	return append([]string(nil), n.names...)
}

// LayerIndex returns the index of the layer registered as name, or -1.
func (n *Network) LayerIndex(name string) int {
	for i, nm := range n.names {
		if nm == name {
			return i
		}
	}
	return -1
}

func (n *Network) allParams() []*param {
	var ps []*param
	for _, layer := range n.layers {
		ps = append(ps, layer.params()...)
	}
	return ps
}

// Compile configures optimizer, loss, metrics and scheduler
func (n *Network) Compile(config CompileConfig) error {
	if !n.built {
		return ErrNotBuilt
	}
	if err := ValidateCompileConfig(config); err != nil {
		return err
	}

	n.optimizer = config.Optimizer
	n.loss = config.Loss
	n.metrics = config.Metrics
	n.scheduler = config.Scheduler
	n.monitor = config.Monitor
	n.gradClip = config.GradientClip
	n.compiled = true

	return nil
}

// LearningRate is the optimizer's current learning rate.
func (n *Network) LearningRate() float64 {
	if !n.compiled {
		return 0
	}
	return n.optimizer.learningRate()
}

func (n *Network) forward(x *tensor, training bool) (*tensor, error) {
	out := x
	var err error
	for i, layer := range n.layers {
		in := out
		if out, err = layer.forward(in, training); err != nil {
			return nil, layerError(err, i, n.names[i], "forward", in)
		}
	}
	return out, nil
}

func (n *Network) backward(grad *tensor) error {
	var err error
	for i := len(n.layers) - 1; i >= 0; i-- {
		in := grad
		if grad, err = n.layers[i].backward(in); err != nil {
			return layerError(err, i, n.names[i], "backward", in)
		}
	}
	return nil
}

func (n *Network) clipGradients(params []*param) {
	switch n.gradClip.Mode {
	case "norm":
		total := 0.0
		for _, p := range params {
			norm := l2Norm(p.grad)
			total += norm * norm
		}
		total = math.Sqrt(total)
		if total > n.gradClip.MaxNorm {
			scale := n.gradClip.MaxNorm / total
			for _, p := range params {
				mulScalar(p.grad, scale)
			}
		}
	case "value":
		for _, p := range params {
			clip(p.grad, -n.gradClip.MaxValue, n.gradClip.MaxValue)
		}
	}
}

func (n *Network) batchTensor(b *Batch) (*tensor, error) {
	size := shapeSize(n.inputShape)
	if len(b.Labels) == 0 {
		return nil, errorf("empty batch")
	}
	if len(b.Images) != len(b.Labels)*size {
		return nil, errorf("batch has %d values for %d samples of shape %v", len(b.Images), len(b.Labels), n.inputShape)
	}
	return wrapTensor(b.Images, append([]int{len(b.Labels)}, n.inputShape...)...), nil
}

// runPhase makes one pass over src. In PhaseTrain every batch is followed
// by a backward pass and an optimizer step; in PhaseValidation the network
// runs in inference mode and nothing is updated.
func (n *Network) runPhase(ctx context.Context, src BatchSource, epoch int, phase Phase, callbacks []Callback) (Logs, error) {
	training := phase == PhaseTrain

	it, err := src.Iterate(ctx, epoch)
	if err != nil {
		return nil, fmt.Errorf("flow: %s pass: %w", phase, err)
	}
	defer it.Close()

	for _, m := range n.metrics {
		m.reset()
	}
	for _, cb := range callbacks {
		cb.onPhaseBegin(epoch, phase, src.NumBatches())
	}

	var params []*param
	if training {
		params = n.trainableParams()
	}

	sumLoss := 0.0
	batches := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("flow: %s batch %d: %w", phase, batches+1, err)
		}

		x, err := n.batchTensor(b)
		if err != nil {
			return nil, err
		}
		logits, err := n.forward(x, training)
		if err != nil {
			return nil, err
		}
		if err := n.numericsError(checkNumerics(logits, "Network", "forward"), epoch, batches); err != nil {
			return nil, err
		}

		loss, err := n.loss.compute(logits, b.Labels)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			lt := wrapTensor([]float64{loss}, 1)
			return nil, n.numericsError(checkNumerics(lt, n.loss.name(), "loss"), epoch, batches)
		}
		sumLoss += loss
		batches++

		for _, m := range n.metrics {
			m.update(logits, b.Labels)
		}

		if training {
			grad, err := n.loss.gradient(logits, b.Labels)
			if err != nil {
				return nil, err
			}
			if err := n.backward(grad); err != nil {
				return nil, err
			}
			n.clipGradients(params)
			n.optimizer.step(params)
		}

		running := n.phaseLogs(sumLoss, batches)
		for _, cb := range callbacks {
			cb.onBatchEnd(epoch, phase, batches-1, running)
		}
	}

	// a source may end early on cancellation; a cut-short pass has no logs
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if batches == 0 {
		return nil, fmt.Errorf("%w: %s pass of epoch %d produced no batches", ErrEmptySource, phase, epoch+1)
	}

	logs := n.phaseLogs(sumLoss, batches)
	for _, cb := range callbacks {
		cb.onPhaseEnd(epoch, phase, logs)
	}
	return logs, nil
}

func (n *Network) numericsError(err error, epoch, batch int) error {
	var fe *FlowError
	if errors.As(err, &fe) {
		fe.Epoch = epoch + 1
		fe.Batch = batch + 1
	}
	return err
}

// phaseLogs reports the mean of batch losses so far and every metric.
func (n *Network) phaseLogs(sumLoss float64, batches int) Logs {
	logs := Logs{"loss": sumLoss / float64(batches)}
	for _, m := range n.metrics {
		logs[m.name()] = m.result()
	}
	return logs
}

// Fit trains on train and evaluates on val once per epoch. After the
// validation pass the scheduler (if any) sees the monitored value, then
// callbacks run with the epoch logs: "loss", "accuracy", ... for the
// training pass, "val_"-prefixed keys for validation, "lr" (the rate used
// this epoch) and "next_lr".
//
// Cancelling ctx stops training between batches and returns ctx.Err().
func (n *Network) Fit(ctx context.Context, train, val BatchSource, config FitConfig, callbacks []Callback) (*History, error) {
	if !n.compiled {
		return nil, ErrNotCompiled
	}
	if err := ValidateFitConfig(config); err != nil {
		return nil, err
	}
	if train == nil || train.NumSamples() == 0 {
		return nil, fmt.Errorf("%w: training set", ErrEmptySource)
	}
	if val == nil || val.NumSamples() == 0 {
		return nil, fmt.Errorf("%w: validation set", ErrEmptySource)
	}

	history := &History{}
	var logs Logs

	for _, cb := range callbacks {
		if err := cb.onTrainBegin(Logs{}); err != nil {
			return nil, err
		}
	}

	for epoch := 0; epoch < config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return history, err
		}
		for _, cb := range callbacks {
			if err := cb.onEpochBegin(epoch); err != nil {
				return history, err
			}
		}

		lr := n.optimizer.learningRate()

		trainLogs, err := n.runPhase(ctx, train, epoch, PhaseTrain, callbacks)
		if err != nil {
			return history, err
		}
		valLogs, err := n.runPhase(ctx, val, epoch, PhaseValidation, callbacks)
		if err != nil {
			return history, err
		}

		logs = Logs{"lr": lr}
		for k, v := range trainLogs {
			logs[k] = v
		}
		for k, v := range valLogs {
			logs["val_"+k] = v
		}

		nextLR := lr
		if n.scheduler != nil {
			monitored, ok := logs[n.monitor]
			if !ok {
				return history, errorf("scheduler monitor %q not in epoch logs", n.monitor)
			}
			nextLR = n.scheduler.step(epoch, monitored, lr)
			n.optimizer.setLearningRate(nextLR)
		}
		logs["next_lr"] = nextLR

		history.Epochs = append(history.Epochs, logs)

		stop := false
		for _, cb := range callbacks {
			s, err := cb.onEpochEnd(epoch, logs)
			if err != nil {
				return history, fmt.Errorf("flow: callback %s: %w", cb.name(), err)
			}
			stop = stop || s
		}
		if stop {
			history.Stopped = true
			break
		}
	}

	for _, cb := range callbacks {
		if err := cb.onTrainEnd(logs); err != nil {
			return history, err
		}
	}
	return history, nil
}

// Evaluate makes one inference-mode pass over src and returns the mean
// batch loss under "loss" plus every compiled metric.
func (n *Network) Evaluate(ctx context.Context, src BatchSource, callbacks []Callback) (Logs, error) {
	if !n.compiled {
		return nil, ErrNotCompiled
	}
	if src == nil || src.NumSamples() == 0 {
		return nil, ErrEmptySource
	}
	return n.runPhase(ctx, src, 0, PhaseValidation, callbacks)
}

// Predict runs inference on count samples laid out back to back in images
// and returns one row of logits per sample.
func (n *Network) Predict(images []float64, count int) ([][]float64, error) {
	if !n.built {
		return nil, ErrNotBuilt
	}
	size := shapeSize(n.inputShape)
	if count <= 0 || len(images) != count*size {
		return nil, errorf("Predict: %d values for %d samples of shape %v", len(images), count, n.inputShape)
	}
	x := wrapTensor(images, append([]int{count}, n.inputShape...)...)
	logits, err := n.forward(x, false)
	if err != nil {
		return nil, err
	}
	classes := logits.cols()
	out := make([][]float64, count)
	for i := range out {
		out[i] = append([]float64(nil), logits.data[i*classes:(i+1)*classes]...)
	}
	return out, nil
}
