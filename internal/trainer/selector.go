package trainer

import (
	"strings"

	"github.com/juicywoowowow/flowtrain/internal/graph"
	flow "github.com/juicywoowowow/flowtrain/src"
)

// OptimizerKind enumerates the supported optimizers.
type OptimizerKind int

const (
	Adam OptimizerKind = iota
	SGD
	AdamW
)

func (k OptimizerKind) String() string {
	switch k {
	case SGD:
		return "sgd"
	case AdamW:
		return "adamw"
	default:
		return "adam"
	}
}

// ParseOptimizer maps an optimizer name to its kind. Unknown names select Adam.
func ParseOptimizer(name string) OptimizerKind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sgd":
		return SGD
	case "adamw":
		return AdamW
	default:
		return Adam
	}
}

// NewOptimizer builds the optimizer with conventional hyperparameters and
// the given learning rate.
func NewOptimizer(kind OptimizerKind, lr float64) flow.Optimizer {
	switch kind {
	case SGD:
		return flow.SGD(flow.SGDConfig{LR: lr})
	case AdamW:
		return flow.AdamW(flow.AdamWConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, WeightDecay: 0.01})
	default:
		return flow.Adam(flow.AdamConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8})
	}
}

// LossKind enumerates the supported loss functions.
type LossKind int

const (
	CrossEntropy LossKind = iota
	MSE
	BCEWithLogits
)

func (k LossKind) String() string {
	switch k {
	case MSE:
		return "MSELoss"
	case BCEWithLogits:
		return "BCEWithLogitsLoss"
	default:
		return "CrossEntropyLoss"
	}
}

// ParseLoss maps a loss name to its kind. Unknown or empty names select
// cross-entropy.
func ParseLoss(name string) LossKind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mseloss":
		return MSE
	case "bcewithlogitsloss":
		return BCEWithLogits
	default:
		return CrossEntropy
	}
}

// LossFromGraph reads loss_fn from the first output node.
func LossFromGraph(g graph.Schema) LossKind {
	out, ok := g.OutputNode()
	if !ok {
		return CrossEntropy
	}
	return ParseLoss(out.String("loss_fn", ""))
}

// NewLoss builds the loss. MSE and BCE compare against one-hot targets.
func NewLoss(kind LossKind) flow.Loss {
	switch kind {
	case MSE:
		return flow.MSE()
	case BCEWithLogits:
		return flow.BCEWithLogits()
	default:
		return flow.SoftmaxCrossEntropy()
	}
}
