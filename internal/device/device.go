// Package device binds a training run to the compute device it executes on.
// Binding happens once per run; nothing is cached across runs.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// ErrUnsupported is returned when the requested device cannot be bound.
var ErrUnsupported = errors.New("device: unsupported")

// Binding describes the device a run executes on.
type Binding struct {
	Name     string // reported to clients, e.g. "cpu"
	Model    string
	Cores    int
	Threads  int
	Features []string
}

// String is the device name as reported in the started event.
func (b Binding) String() string { return b.Name }

// Describe returns a one-line human description for logs.
func (b Binding) Describe() string {
	var s strings.Builder
	s.WriteString(b.Name)
	if b.Model != "" {
		fmt.Fprintf(&s, " (%s", b.Model)
		if b.Cores > 0 {
			fmt.Fprintf(&s, ", %d cores/%d threads", b.Cores, b.Threads)
		}
		if len(b.Features) > 0 {
			fmt.Fprintf(&s, ", %s", strings.ToLower(strings.Join(b.Features, " ")))
		}
		s.WriteString(")")
	}
	return s.String()
}

// Resolver binds a device for one run.
type Resolver interface {
	Resolve(ctx context.Context) (Binding, error)
}

// Config selects the device. Preference is "auto", "cpu", "cuda" or "gpu";
// empty means auto.
type Config struct {
	Preference string
}

// Host resolves devices of the local machine.
type Host struct {
	cfg Config
}

// NewHost returns a Host resolver.
func NewHost(cfg Config) *Host {
	return &Host{cfg: cfg}
}

// Resolve implements Resolver. The numeric engine runs on the CPU only, so
// "auto" binds the CPU and an explicit accelerator request fails.
func (h *Host) Resolve(ctx context.Context) (Binding, error) {
	if err := ctx.Err(); err != nil {
		return Binding{}, err
	}
	switch pref := strings.ToLower(strings.TrimSpace(h.cfg.Preference)); pref {
	case "", "auto", "cpu":
		return CPU(), nil
	case "cuda", "gpu":
		return Binding{}, fmt.Errorf("%w: %q requested but no accelerator backend is available", ErrUnsupported, pref)
	default:
		return Binding{}, fmt.Errorf("%w: unknown device %q", ErrUnsupported, h.cfg.Preference)
	}
}

// vector extensions worth reporting, in display order
var features = []struct {
	id   cpuid.FeatureID
	name string
}{
	{cpuid.SSE4, "SSE4.1"},
	{cpuid.AVX, "AVX"},
	{cpuid.AVX2, "AVX2"},
	{cpuid.FMA3, "FMA3"},
	{cpuid.AVX512F, "AVX512F"},
	{cpuid.ASIMD, "NEON"},
	{cpuid.SVE, "SVE"},
}

// CPU describes the host processor.
func CPU() Binding {
	b := Binding{
		Name:    "cpu",
		Model:   strings.TrimSpace(cpuid.CPU.BrandName),
		Cores:   cpuid.CPU.PhysicalCores,
		Threads: cpuid.CPU.LogicalCores,
	}
	for _, f := range features {
		if cpuid.CPU.Supports(f.id) {
			b.Features = append(b.Features, f.name)
		}
	}
	return b
}

// Static always resolves to the same binding.
type Static Binding

// Resolve implements Resolver.
func (s Static) Resolve(context.Context) (Binding, error) {
	return Binding(s), nil
}
