package flow

// CompileConfig holds model compilation settings - ALL fields required
type CompileConfig struct {
	Optimizer    Optimizer
	Loss         Loss
	GradientClip GradientClipConfig
}

// GradientClipConfig for gradient clipping
type GradientClipConfig struct {
	Mode     string // "norm", "value", or "none"
	MaxNorm  float64
	MaxValue float64
}

// NetworkConfig for network construction
type NetworkConfig struct {
	Seed       int64
	Validation ValidationLevel
}

// ValidateCompileConfig checks all required fields are set
func ValidateCompileConfig(cfg CompileConfig) error {
	if cfg.Optimizer == nil {
		return errorf("Optimizer is required")
	}
	if cfg.Loss == nil {
		return errorf("Loss is required")
	}
	switch cfg.GradientClip.Mode {
	case "none":
	case "norm":
		if cfg.GradientClip.MaxNorm <= 0 {
			return errorf("GradientClip.MaxNorm must be > 0 in norm mode, got %f", cfg.GradientClip.MaxNorm)
		}
	case "value":
		if cfg.GradientClip.MaxValue <= 0 {
			return errorf("GradientClip.MaxValue must be > 0 in value mode, got %f", cfg.GradientClip.MaxValue)
		}
	case "":
		return errorf("GradientClip.Mode is required - use 'none' if not needed")
	default:
		return errorf("unknown GradientClip.Mode %q", cfg.GradientClip.Mode)
	}
	return nil
}
