package health

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/pbnjay/memory"
	"github.com/prometheus/procfs"
)

// ErrNoMemoryInfo is returned when neither procfs nor the portable fallback
// can report memory
var ErrNoMemoryInfo = errors.New("memory information unavailable")

type cpuTimes struct {
	busy  float64
	total float64
}

// SystemSampler reads the local host. On Linux it uses /proc through procfs;
// elsewhere memory comes from pbnjay/memory and CPU usage reads as zero.
type SystemSampler struct {
	fs    *procfs.FS
	cores float64

	mu   sync.Mutex
	prev *cpuTimes
}

// NewSystemSampler creates a sampler for the local host
func NewSystemSampler() *SystemSampler {
	s := &SystemSampler{cores: float64(runtime.NumCPU())}
	if fs, err := procfs.NewDefaultFS(); err == nil {
		s.fs = &fs
	}
	return s
}

// Sample reads current CPU and memory usage
func (s *SystemSampler) Sample(ctx context.Context) (Resources, error) {
	if err := ctx.Err(); err != nil {
		return Resources{}, err
	}

	total, used, err := s.memory()
	if err != nil {
		return Resources{}, err
	}

	return Resources{
		TotalCores:  s.cores,
		UsedCores:   s.usedCores(),
		TotalDRAMGB: total,
		UsedDRAMGB:  used,
		SampledAt:   time.Now(),
	}, nil
}

func (s *SystemSampler) memory() (totalGB, usedGB float64, err error) {
	if s.fs != nil {
		mi, err := s.fs.Meminfo()
		if err == nil && mi.MemTotal != nil && mi.MemAvailable != nil {
			// procfs reports kB
			total := float64(*mi.MemTotal) * 1024
			avail := float64(*mi.MemAvailable) * 1024
			return total / bytesPerGB, (total - avail) / bytesPerGB, nil
		}
	}

	total := memory.TotalMemory()
	if total == 0 {
		return 0, 0, ErrNoMemoryInfo
	}
	free := memory.FreeMemory()
	if free > total {
		return 0, 0, fmt.Errorf("%w: free %d exceeds total %d", ErrNoMemoryInfo, free, total)
	}
	return float64(total) / bytesPerGB, float64(total-free) / bytesPerGB, nil
}

// usedCores converts the busy share of CPU time since the previous sample
// into a number of cores. The first sample uses the average since boot.
func (s *SystemSampler) usedCores() float64 {
	if s.fs == nil {
		return 0
	}
	stat, err := s.fs.Stat()
	if err != nil {
		return 0
	}

	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	cur := cpuTimes{busy: busy, total: busy + idle}

	s.mu.Lock()
	prev := s.prev
	s.prev = &cur
	s.mu.Unlock()

	dBusy, dTotal := cur.busy, cur.total
	if prev != nil {
		dBusy, dTotal = cur.busy-prev.busy, cur.total-prev.total
	}
	if dTotal <= 0 {
		return 0
	}
	return dBusy / dTotal * s.cores
}
