package trainer

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// EventKind is the "type" field of an event on the wire.
type EventKind string

const (
	KindStarted   EventKind = "started"
	KindBatch     EventKind = "batch"
	KindEpoch     EventKind = "epoch"
	KindCompleted EventKind = "completed"
	KindError     EventKind = "error"
)

// BatchReportInterval is the batch index stride of BatchProgress events.
const BatchReportInterval = 50

// Event is one message of a training stream. The set of implementations is
// closed: Started, BatchProgress, EpochMetrics, Completed and Error.
type Event interface {
	Kind() EventKind
	// Terminal reports whether the event ends the stream.
	Terminal() bool
	event()
}

// Started is emitted once, after the model, data and optimizer are ready.
type Started struct {
	TotalEpochs  int    `json:"total_epochs"`
	TotalBatches int    `json:"total_batches"`
	Device       string `json:"device"`
}

// BatchProgress samples the training loss of one batch.
type BatchProgress struct {
	Epoch int     `json:"epoch"`
	Batch int     `json:"batch"`
	Loss  float64 `json:"loss"`
}

// EpochMetrics summarises one completed epoch. Epochs count from 1.
type EpochMetrics struct {
	Epoch      int     `json:"epoch"`
	TrainLoss  float64 `json:"train_loss"`
	ValLoss    float64 `json:"val_loss"`
	TrainAcc   float64 `json:"train_acc"`
	ValAcc     float64 `json:"val_acc"`
	ElapsedSec float64 `json:"elapsed_sec"`
}

// FinalMetrics are the metrics of the last epoch.
type FinalMetrics struct {
	TrainLoss float64 `json:"train_loss"`
	ValLoss   float64 `json:"val_loss"`
	TrainAcc  float64 `json:"train_acc"`
	ValAcc    float64 `json:"val_acc"`
}

// Final drops the epoch number and elapsed time.
func (m EpochMetrics) Final() FinalMetrics {
	return FinalMetrics{TrainLoss: m.TrainLoss, ValLoss: m.ValLoss, TrainAcc: m.TrainAcc, ValAcc: m.ValAcc}
}

// Completed ends a successful run and carries the trained parameters.
type Completed struct {
	FinalMetrics FinalMetrics `json:"final_metrics"`
	Artifact     string       `json:"model_state_dict_b64"`
	SizeBytes    int          `json:"model_size_bytes"`
}

// Error ends a failed run.
type Error struct {
	Message     string      `json:"message"`
	Traceback   string      `json:"traceback"`
	FailureKind FailureKind `json:"kind"`
}

func (Started) Kind() EventKind       { return KindStarted }
func (BatchProgress) Kind() EventKind { return KindBatch }
func (EpochMetrics) Kind() EventKind  { return KindEpoch }
func (Completed) Kind() EventKind     { return KindCompleted }
func (Error) Kind() EventKind         { return KindError }

func (Started) Terminal() bool       { return false }
func (BatchProgress) Terminal() bool { return false }
func (EpochMetrics) Terminal() bool  { return false }
func (Completed) Terminal() bool     { return true }
func (Error) Terminal() bool         { return true }

func (Started) event()       {}
func (BatchProgress) event() {}
func (EpochMetrics) event()  {}
func (Completed) event()     {}
func (Error) event()         {}

// The MarshalJSON methods put the "type" discriminator first.

func (e Started) MarshalJSON() ([]byte, error) {
	type plain Started
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		plain
	}{KindStarted, plain(e)})
}

func (e BatchProgress) MarshalJSON() ([]byte, error) {
	type plain BatchProgress
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		plain
	}{KindBatch, plain(e)})
}

func (e EpochMetrics) MarshalJSON() ([]byte, error) {
	type plain EpochMetrics
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		plain
	}{KindEpoch, plain(e)})
}

func (e Completed) MarshalJSON() ([]byte, error) {
	type plain Completed
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		plain
	}{KindCompleted, plain(e)})
}

func (e Error) MarshalJSON() ([]byte, error) {
	type plain Error
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		plain
	}{KindError, plain(e)})
}

// DecodeEvent parses one event from its JSON form.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type EventKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("trainer: decode event: %w", err)
	}

	var (
		ev  Event
		err error
	)
	switch head.Type {
	case KindStarted:
		var e Started
		err = json.Unmarshal(data, &e)
		ev = e
	case KindBatch:
		var e BatchProgress
		err = json.Unmarshal(data, &e)
		ev = e
	case KindEpoch:
		var e EpochMetrics
		err = json.Unmarshal(data, &e)
		ev = e
	case KindCompleted:
		var e Completed
		err = json.Unmarshal(data, &e)
		ev = e
	case KindError:
		var e Error
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("trainer: decode event: unknown type %q", head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("trainer: decode %s event: %w", head.Type, err)
	}
	return ev, nil
}

// Round rounds x to digits decimal places, resolving ties to even on the
// exact binary value of x.
func Round(x float64, digits int) float64 {
	r, err := strconv.ParseFloat(strconv.FormatFloat(x, 'f', digits, 64), 64)
	if err != nil {
		return x
	}
	return r
}
