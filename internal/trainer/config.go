package trainer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfig is wrapped by every Config validation error.
var ErrConfig = errors.New("trainer: invalid config")

// Config holds the per-job training settings - ALL fields required.
// It is passed by value and never changes once a run starts.
type Config struct {
	Epochs       int     `json:"epochs" yaml:"epochs" koanf:"epochs"`
	BatchSize    int     `json:"batch_size" yaml:"batch_size" koanf:"batch_size"`
	TrainSplit   float64 `json:"train_split" yaml:"train_split" koanf:"train_split"`
	Optimizer    string  `json:"optimizer" yaml:"optimizer" koanf:"optimizer"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate" koanf:"learning_rate"`
}

// DefaultConfig returns the settings used when a request omits them.
func DefaultConfig() Config {
	return Config{
		Epochs:       10,
		BatchSize:    64,
		TrainSplit:   0.8,
		Optimizer:    "adam",
		LearningRate: 0.001,
	}
}

// Validate checks ranges. An unrecognised optimizer name is not an error; it
// selects the default optimizer.
func (c Config) Validate() error {
	var problems []string
	if c.Epochs <= 0 {
		problems = append(problems, fmt.Sprintf("epochs must be > 0, got %d", c.Epochs))
	}
	if c.BatchSize <= 0 {
		problems = append(problems, fmt.Sprintf("batch_size must be > 0, got %d", c.BatchSize))
	}
	if !(c.TrainSplit > 0 && c.TrainSplit < 1) {
		problems = append(problems, fmt.Sprintf("train_split must be in (0, 1), got %v", c.TrainSplit))
	}
	if !(c.LearningRate > 0) {
		problems = append(problems, fmt.Sprintf("learning_rate must be > 0, got %v", c.LearningRate))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}
