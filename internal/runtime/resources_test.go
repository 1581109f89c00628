package runtime

import (
	"testing"
	"time"
)

func TestProcessSamplerSample(t *testing.T) {
	sampler := newProcessSampler()

	first := sampler.Sample()
	if first.CPUPercent != 0 {
		t.Fatalf("expected 0 CPU percent on first sample, got %f", first.CPUPercent)
	}
	if first.MemoryBytes == 0 {
		t.Fatal("expected non-zero memory bytes")
	}
	if first.Goroutines == 0 {
		t.Fatal("expected non-zero goroutine count")
	}

	time.Sleep(10 * time.Millisecond)

	if second := sampler.Sample(); second.CPUPercent < 0 {
		t.Fatalf("expected non-negative CPU percent, got %f", second.CPUPercent)
	}
}

func TestProcessSamplerNil(t *testing.T) {
	var sampler *processSampler
	if usage := sampler.Sample(); usage != (ResourceUsage{}) {
		t.Fatalf("expected zero usage for nil sampler, got %+v", usage)
	}
}
