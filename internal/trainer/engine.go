// Package trainer runs a training job described by a model graph and
// streams its progress as a sequence of events.
//
// A run always yields Started first (unless setup fails), then for every
// epoch the sampled BatchProgress events followed by one EpochMetrics, and
// ends with exactly one Completed or Error event.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/juicywoowowow/flowtrain/internal/datasets"
	"github.com/juicywoowowow/flowtrain/internal/device"
	"github.com/juicywoowowow/flowtrain/internal/graph"
	flow "github.com/juicywoowowow/flowtrain/src"
)

// Model is a compiled network the engine can train.
type Model interface {
	Compile(cfg flow.CompileConfig) error
	TrainStep(b flow.Batch) (flow.StepResult, error)
	EvalStep(b flow.Batch) (flow.StepResult, error)
	StateDict() []flow.NamedTensor
}

// Compiler builds an untrained model for samples of inputShape.
type Compiler interface {
	Compile(g graph.Schema, inputShape []int) (Model, error)
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(g graph.Schema, inputShape []int) (Model, error)

// Compile implements Compiler.
func (f CompilerFunc) Compile(g graph.Schema, inputShape []int) (Model, error) {
	return f(g, inputShape)
}

// Options wires the engine's collaborators.
type Options struct {
	Compiler Compiler          // required
	Provider datasets.Provider // required
	Device   device.Resolver   // nil binds the host CPU
	Logger   *slog.Logger      // nil discards
	Clock    func() time.Time  // nil uses time.Now

	// GradientClip applies to every run. The zero value disables clipping.
	GradientClip flow.GradientClipConfig
}

// Request is one training job.
type Request struct {
	JobID     string       `json:"-"`
	Graph     graph.Schema `json:"graph"`
	DatasetID string       `json:"dataset_id"`
	Config    Config       `json:"training_config"`
}

// Engine executes training requests. It holds no per-run state, so one
// Engine can serve concurrent runs.
type Engine struct {
	compiler Compiler
	provider datasets.Provider
	device   device.Resolver
	logger   *slog.Logger
	clock    func() time.Time
	clip     flow.GradientClipConfig
}

// New returns an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Compiler == nil {
		return nil, errors.New("trainer: Compiler is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("trainer: Provider is required")
	}
	e := &Engine{
		compiler: opts.Compiler,
		provider: opts.Provider,
		device:   opts.Device,
		logger:   opts.Logger,
		clock:    opts.Clock,
		clip:     opts.GradientClip,
	}
	if e.device == nil {
		e.device = device.NewHost(device.Config{})
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.clip.Mode == "" {
		e.clip.Mode = "none"
	}
	return e, nil
}

// Run returns the event sequence of one training job. Work happens only
// while the caller iterates: the engine suspends at every event until the
// next one is requested. Stopping the iteration abandons the run without
// further events. Cancelling ctx ends the run with a runtime Error event.
func (e *Engine) Run(ctx context.Context, req Request) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		s := &session{
			engine: e,
			req:    req,
			cfg:    req.Config,
			logger: e.logger.With("job_id", req.JobID, "dataset", req.DatasetID),
			yield:  yield,
		}
		if terminal := s.guard(ctx); terminal != nil && !s.stopped {
			s.emit(terminal)
		}
	}
}

// Phase is a state of the training state machine.
type Phase int

const (
	NotStarted Phase = iota
	Training
	Validating
	Done
	Failed
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not_started"
	case Training:
		return "training"
	case Validating:
		return "validating"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// session is the state of one Run.
type session struct {
	engine *Engine
	req    Request
	cfg    Config
	logger *slog.Logger
	yield  func(Event) bool

	phase   Phase
	epoch   int
	inYield bool
	stopped bool
}

func (s *session) transition(p Phase, epoch int) {
	s.logger.Debug("state transition", "from", s.phase, "from_epoch", s.epoch, "to", p, "to_epoch", epoch)
	s.phase, s.epoch = p, epoch
}

// emit hands one event to the consumer and reports whether it wants more.
func (s *session) emit(ev Event) bool {
	s.inYield = true
	ok := s.yield(ev)
	s.inYield = false
	if !ok {
		s.stopped = true
		s.logger.Info("stream abandoned by consumer", "phase", s.phase, "epoch", s.epoch)
	}
	return ok
}

// guard is the fault boundary around the whole run. Panics raised by the
// consumer inside yield are not ours to report and propagate unchanged.
func (s *session) guard(ctx context.Context) (terminal Event) {
	defer func() {
		if r := recover(); r != nil {
			if s.inYield {
				panic(r)
			}
			s.transition(Failed, s.epoch)
			s.logger.Error("training panicked", "panic", r)
			terminal = panicEvent(r)
		}
	}()
	return s.run(ctx)
}

func (s *session) fail(kind FailureKind, err error) Event {
	f := newFailure(kind, err)
	s.transition(Failed, s.epoch)
	s.logger.Error("training failed", "kind", kind, "error", err)
	return f.Event()
}

// run executes the job and returns the terminal event, or nil when the
// consumer stopped early.
func (s *session) run(ctx context.Context) Event {
	e := s.engine
	if err := s.cfg.Validate(); err != nil {
		return s.fail(ValidationFailure, err)
	}
	if err := s.req.Graph.Validate(); err != nil {
		return s.fail(ValidationFailure, err)
	}

	binding, err := e.device.Resolve(ctx)
	if err != nil {
		return s.fail(RuntimeFailure, fmt.Errorf("bind device: %w", err))
	}
	s.logger.Info("device bound", "device", binding.Describe())

	shape, err := e.provider.Shape(ctx, s.req.DatasetID)
	if err != nil {
		return s.fail(DataFailure, err)
	}
	model, err := e.compiler.Compile(s.req.Graph, shape)
	if err != nil {
		if errors.Is(err, graph.ErrInvalid) {
			return s.fail(ValidationFailure, err)
		}
		return s.fail(CompileFailure, err)
	}

	optKind, lossKind := ParseOptimizer(s.cfg.Optimizer), LossFromGraph(s.req.Graph)
	err = model.Compile(flow.CompileConfig{
		Optimizer:    NewOptimizer(optKind, s.cfg.LearningRate),
		Loss:         NewLoss(lossKind),
		GradientClip: e.clip,
	})
	if err != nil {
		return s.fail(CompileFailure, err)
	}

	train, val, err := e.provider.Loaders(ctx, s.req.DatasetID, s.cfg.BatchSize, s.cfg.TrainSplit)
	if err != nil {
		return s.fail(DataFailure, err)
	}

	s.logger.Info("training started",
		"epochs", s.cfg.Epochs,
		"batches", train.Len(),
		"train_samples", train.Samples(),
		"val_samples", val.Samples(),
		"optimizer", optKind,
		"loss", lossKind,
	)
	if !s.emit(Started{TotalEpochs: s.cfg.Epochs, TotalBatches: train.Len(), Device: binding.String()}) {
		return nil
	}

	start := e.clock()
	var last EpochMetrics
	for epoch := 1; epoch <= s.cfg.Epochs; epoch++ {
		s.transition(Training, epoch)
		trainTally, err := s.trainEpoch(ctx, model, train, epoch)
		if err != nil {
			return s.fail(RuntimeFailure, err)
		}
		if s.stopped {
			return nil
		}

		s.transition(Validating, epoch)
		valTally, err := s.validate(ctx, model, val)
		if err != nil {
			return s.fail(RuntimeFailure, err)
		}

		last = EpochMetrics{
			Epoch:      epoch,
			TrainLoss:  Round(trainTally.Loss(), 6),
			ValLoss:    Round(valTally.Loss(), 6),
			TrainAcc:   Round(trainTally.Accuracy(), 4),
			ValAcc:     Round(valTally.Accuracy(), 4),
			ElapsedSec: Round(e.clock().Sub(start).Seconds(), 1),
		}
		s.logger.Info("epoch finished",
			"epoch", epoch,
			"train_loss", last.TrainLoss,
			"val_loss", last.ValLoss,
			"train_acc", last.TrainAcc,
			"val_acc", last.ValAcc,
		)
		if !s.emit(last) {
			return nil
		}
	}
	s.transition(Done, s.epoch)

	blob, err := EncodeStateDict(model.StateDict())
	if err != nil {
		return s.fail(RuntimeFailure, err)
	}
	art := NewArtifact(blob)
	s.logger.Info("training completed", "artifact_bytes", art.SizeBytes)
	return Completed{FinalMetrics: last.Final(), Artifact: art.Base64, SizeBytes: art.SizeBytes}
}

func (s *session) trainEpoch(ctx context.Context, model Model, src datasets.Source, epoch int) (flow.Tally, error) {
	var tally flow.Tally
	batch := 0
	for b, err := range src.Batches(ctx) {
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			return tally, fmt.Errorf("epoch %d batch %d: %w", epoch, batch, err)
		}
		res, err := model.TrainStep(b)
		if err != nil {
			return tally, fmt.Errorf("epoch %d batch %d: %w", epoch, batch, err)
		}
		tally.Add(res)

		if batch%BatchReportInterval == 0 {
			if !s.emit(BatchProgress{Epoch: epoch, Batch: batch, Loss: Round(res.Loss, 6)}) {
				return tally, nil
			}
		}
		batch++
	}
	return tally, nil
}

func (s *session) validate(ctx context.Context, model Model, src datasets.Source) (flow.Tally, error) {
	var tally flow.Tally
	for b, err := range src.Batches(ctx) {
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			return tally, fmt.Errorf("validation: %w", err)
		}
		res, err := model.EvalStep(b)
		if err != nil {
			return tally, fmt.Errorf("validation: %w", err)
		}
		tally.Add(res)
	}
	return tally, nil
}
