package health

import (
	"context"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

const bytesPerGB = 1 << 30

// Resources is a point-in-time view of a host's CPU and memory
type Resources struct {
	TotalCores  float64
	UsedCores   float64
	TotalDRAMGB float64
	UsedDRAMGB  float64
	SampledAt   time.Time
}

// FreeDRAMGB returns total minus used memory
func (r Resources) FreeDRAMGB() float64 {
	return r.TotalDRAMGB - r.UsedDRAMGB
}

// FreeCores returns total minus used cores
func (r Resources) FreeCores() float64 {
	return r.TotalCores - r.UsedCores
}

// Status converts the sample into the record published in worker_status
func (r Resources) Status() types.WorkerStatus {
	ts := r.SampledAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return types.WorkerStatus{
		Timestamp:   ts,
		UsedCores:   r.UsedCores,
		TotalCores:  r.TotalCores,
		UsedDRAMGB:  r.UsedDRAMGB,
		TotalDRAMGB: r.TotalDRAMGB,
	}
}

// Sampler measures host resources
type Sampler interface {
	Sample(ctx context.Context) (Resources, error)
}

// SamplerFunc adapts a function to the Sampler interface
type SamplerFunc func(ctx context.Context) (Resources, error)

// Sample calls f
func (f SamplerFunc) Sample(ctx context.Context) (Resources, error) {
	return f(ctx)
}
