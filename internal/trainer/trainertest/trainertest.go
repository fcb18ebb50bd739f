// Package trainertest provides recorders and stub collaborators for tests of
// code that runs or consumes training streams.
package trainertest

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/juicywoowowow/flowtrain/internal/datasets"
	"github.com/juicywoowowow/flowtrain/internal/graph"
	"github.com/juicywoowowow/flowtrain/internal/trainer"
	flow "github.com/juicywoowowow/flowtrain/src"
)

// Recorder records events. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []trainer.Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends ev. It has the signature of a yield function and always
// asks for more.
func (r *Recorder) Record(ev trainer.Event) bool {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return true
}

// Drain records every event of seq.
func (r *Recorder) Drain(seq iter.Seq[trainer.Event]) *Recorder {
	seq(r.Record)
	return r
}

// Events returns a snapshot copy of the recorded events.
func (r *Recorder) Events() []trainer.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]trainer.Event(nil), r.events...)
}

// Kinds returns the kind of every recorded event in order.
func (r *Recorder) Kinds() []trainer.EventKind {
	var out []trainer.EventKind
	for _, ev := range r.Events() {
		out = append(out, ev.Kind())
	}
	return out
}

// Last returns the last recorded event, or nil.
func (r *Recorder) Last() trainer.Event {
	evs := r.Events()
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

// Batches returns the recorded BatchProgress events.
func (r *Recorder) Batches() []trainer.BatchProgress {
	return collect[trainer.BatchProgress](r)
}

// Epochs returns the recorded EpochMetrics events.
func (r *Recorder) Epochs() []trainer.EpochMetrics {
	return collect[trainer.EpochMetrics](r)
}

// Started returns the first Started event.
func (r *Recorder) Started() (trainer.Started, bool) {
	return first[trainer.Started](r)
}

// Completed returns the Completed event.
func (r *Recorder) Completed() (trainer.Completed, bool) {
	return first[trainer.Completed](r)
}

// Error returns the Error event.
func (r *Recorder) Error() (trainer.Error, bool) {
	return first[trainer.Error](r)
}

// Reset clears the recorder.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func collect[T trainer.Event](r *Recorder) []T {
	var out []T
	for _, ev := range r.Events() {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func first[T trainer.Event](r *Recorder) (T, bool) {
	all := collect[T](r)
	if len(all) == 0 {
		var zero T
		return zero, false
	}
	return all[0], true
}

// Source is a fixed list of batches.
type Source []flow.Batch

// Len implements datasets.Source.
func (s Source) Len() int { return len(s) }

// Samples implements datasets.Source.
func (s Source) Samples() int {
	n := 0
	for _, b := range s {
		n += len(b.Labels)
	}
	return n
}

// Batches implements datasets.Source. It does not check ctx.
func (s Source) Batches(context.Context) iter.Seq2[flow.Batch, error] {
	return func(yield func(flow.Batch, error) bool) {
		for _, b := range s {
			if !yield(b, nil) {
				return
			}
		}
	}
}

// Batches returns n batches of size samples with width features each.
// Sample j of batch i has every feature set to (i+j)%2 and label (i+j)%2.
func Batches(n, size, width int) Source {
	out := make(Source, n)
	for i := range out {
		b := flow.Batch{Inputs: make([]float64, size*width), Labels: make([]int, size)}
		for j := range size {
			v := (i + j) % 2
			b.Labels[j] = v
			for k := range width {
				b.Inputs[j*width+k] = float64(v)
			}
		}
		out[i] = b
	}
	return out
}

// Provider serves fixed sources.
type Provider struct {
	InputShape []int
	Train, Val datasets.Source
	ShapeErr   error
	LoadErr    error

	mu    sync.Mutex
	loads int
}

// Shape implements datasets.Provider.
func (p *Provider) Shape(context.Context, string) ([]int, error) {
	if p.ShapeErr != nil {
		return nil, p.ShapeErr
	}
	return p.InputShape, nil
}

// Loaders implements datasets.Provider.
func (p *Provider) Loaders(context.Context, string, int, float64) (datasets.Source, datasets.Source, error) {
	p.mu.Lock()
	p.loads++
	p.mu.Unlock()
	if p.LoadErr != nil {
		return nil, nil, p.LoadErr
	}
	val := p.Val
	if val == nil {
		val = Source{}
	}
	return p.Train, val, nil
}

// Loads counts Loaders calls.
func (p *Provider) Loads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads
}

// Model is a scripted trainer.Model.
type Model struct {
	Losses   []float64 // train loss per step, cycled; default 1
	EvalLoss float64
	Correct  int // correct predictions per batch, capped at the batch size

	FailAt int   // 1-based train step that fails; 0 never fails
	Err    error // returned at FailAt
	Panic  any   // if set, raised at FailAt instead of returning Err

	Params []flow.NamedTensor

	Config flow.CompileConfig
	Steps  int
	Evals  int
}

// Compile implements trainer.Model.
func (m *Model) Compile(cfg flow.CompileConfig) error {
	m.Config = cfg
	return flow.ValidateCompileConfig(cfg)
}

// TrainStep implements trainer.Model.
func (m *Model) TrainStep(b flow.Batch) (flow.StepResult, error) {
	m.Steps++
	if m.FailAt == m.Steps {
		if m.Panic != nil {
			panic(m.Panic)
		}
		return flow.StepResult{}, m.Err
	}
	loss := 1.0
	if len(m.Losses) > 0 {
		loss = m.Losses[(m.Steps-1)%len(m.Losses)]
	}
	return flow.StepResult{Loss: loss, Correct: min(m.Correct, len(b.Labels)), Count: len(b.Labels)}, nil
}

// EvalStep implements trainer.Model.
func (m *Model) EvalStep(b flow.Batch) (flow.StepResult, error) {
	m.Evals++
	return flow.StepResult{Loss: m.EvalLoss, Correct: min(m.Correct, len(b.Labels)), Count: len(b.Labels)}, nil
}

// StateDict implements trainer.Model.
func (m *Model) StateDict() []flow.NamedTensor {
	if m.Params == nil {
		return []flow.NamedTensor{{Name: "0.weight", Shape: []int{2}, Data: []float64{0.5, -1}}}
	}
	return m.Params
}

// Compiler returns a fixed model or error.
type Compiler struct {
	Model trainer.Model
	Err   error

	Shapes [][]int
}

// Compile implements trainer.Compiler.
func (c *Compiler) Compile(_ graph.Schema, inputShape []int) (trainer.Model, error) {
	c.Shapes = append(c.Shapes, inputShape)
	if c.Err != nil {
		return nil, c.Err
	}
	return c.Model, nil
}

// Clock returns a clock that advances by step on every call.
func Clock(step time.Duration) func() time.Time {
	var (
		mu  sync.Mutex
		now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(step)
		return t
	}
}

// Graph returns a minimal valid graph whose output uses lossFn.
func Graph(lossFn string) graph.Schema {
	return graph.Sequential(
		graph.Node{Type: "input"},
		graph.Node{Type: "linear", Params: map[string]any{"out_features": 4}},
		graph.Node{Type: "relu"},
		graph.Node{Type: "output", Params: map[string]any{"loss_fn": lossFn, "num_classes": 2}},
	)
}
