package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ResourceUsage is a coarse sample of the process, reported by the health
// endpoint.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

const cpuSecondsMetric = "/sched/cpu:seconds"

// processSampler computes CPU usage as the delta between two samples.
type processSampler struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newProcessSampler() *processSampler {
	return &processSampler{
		samples: []metrics.Sample{{Name: cpuSecondsMetric}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

// Sample returns the current usage. The first sample reports 0% CPU.
func (p *processSampler) Sample() ResourceUsage {
	if p == nil {
		return ResourceUsage{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	metrics.Read(p.samples)
	value := p.samples[0].Value
	now := time.Now()

	var cpuPercent float64
	if value.Kind() == metrics.KindFloat64 {
		cpuSeconds := value.Float64()
		if !p.lastSample.IsZero() {
			wall := now.Sub(p.lastSample).Seconds()
			if wall > 0 && p.numCPU > 0 {
				cpuPercent = (cpuSeconds - p.lastCPUSeconds) / wall / p.numCPU * 100
			}
		}
		p.lastCPUSeconds = cpuSeconds
	}
	p.lastSample = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return ResourceUsage{
		CPUPercent:  cpuPercent,
		MemoryBytes: mem.Alloc,
		Goroutines:  runtime.NumGoroutine(),
	}
}
