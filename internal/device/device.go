package device

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// Device describes where numeric work runs. It is passed explicitly to every
// operation instead of relying on a process-wide default.
type Device struct {
	Name     string
	Workers  int
	Features []string
}

// CPU returns a host device using up to workers goroutines. workers <= 0
// selects runtime.NumCPU().
func CPU(workers int) *Device {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	name := strings.TrimSpace(cpuid.CPU.BrandName)
	if name == "" {
		name = "cpu"
	}
	var features []string
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.SSE4, "sse4"},
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma3"},
		{cpuid.AVX512F, "avx512f"},
		{cpuid.ASIMD, "asimd"},
	} {
		if cpuid.CPU.Supports(f.id) {
			features = append(features, f.name)
		}
	}
	return &Device{Name: name, Workers: workers, Features: features}
}

// Vectorized reports whether wide SIMD units are available.
func (d *Device) Vectorized() bool {
	if d == nil {
		return false
	}
	for _, f := range d.Features {
		if f == "avx2" || f == "avx512f" || f == "asimd" {
			return true
		}
	}
	return false
}

func (d *Device) workers() int {
	if d == nil || d.Workers <= 0 {
		return 1
	}
	return d.Workers
}

// ForEach runs body for every i in [0, n) with at most Workers concurrent
// goroutines. A nil device runs sequentially. body must only write state
// owned by index i.
func (d *Device) ForEach(n int, body func(i int)) {
	if n <= 0 {
		return
	}
	limit := d.workers()
	if limit == 1 || n == 1 {
		for i := 0; i < n; i++ {
			body(i)
		}
		return
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			body(i)
		}(i)
	}
	wg.Wait()
}

func (d *Device) String() string {
	if d == nil {
		return "cpu(workers=1)"
	}
	return fmt.Sprintf("%s(workers=%d simd=%t features=%s)", d.Name, d.workers(), d.Vectorized(), strings.Join(d.Features, ","))
}
