package dataset

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"csi-fewshot/internal/protonet"
)

func TestLoadPoolReadsEveryShard(t *testing.T) {
	dir := t.TempDir()
	samples := Synthetic(3, 4, 5, 0.1, 1)
	if err := WriteShard(filepath.Join(dir, "a", ShardName(0)), samples[:6]); err != nil {
		t.Fatalf("WriteShard: %v", err)
	}
	if err := WriteShard(filepath.Join(dir, "b", ShardName(1)), samples[6:]); err != nil {
		t.Fatalf("WriteShard: %v", err)
	}

	pool, err := LoadPool(context.Background(), []string{filepath.Join(dir, "a"), filepath.Join(dir, "b")}, SamplerOptions{NumWorkers: 2, Seed: 3})
	if err != nil {
		t.Fatalf("LoadPool: %v", err)
	}
	if pool.Len() != 12 || pool.Dim() != 5 {
		t.Fatalf("unexpected pool len=%d dim=%d", pool.Len(), pool.Dim())
	}
	if got := pool.Labels(); len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Fatalf("unexpected labels %v", got)
	}
	for _, label := range pool.Labels() {
		if n := len(pool.Examples(label)); n != 4 {
			t.Fatalf("label %d has %d examples", label, n)
		}
	}
}

func TestNewPoolRejectsMixedWidths(t *testing.T) {
	_, err := NewPool([]Sample{
		{Key: "a", Features: []float64{1, 2}, Label: 0},
		{Key: "b", Features: []float64{1}, Label: 1},
	})
	if err == nil {
		t.Fatal("expected width mismatch error")
	}
}

func TestPoolSplitKeepsEveryClass(t *testing.T) {
	pool, err := NewPool(Synthetic(4, 10, 3, 0.1, 2))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	train, test, err := pool.Split(0.3, 7)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if train.Len()+test.Len() != pool.Len() {
		t.Fatalf("split lost samples: %d + %d != %d", train.Len(), test.Len(), pool.Len())
	}
	if len(train.Labels()) != 4 || len(test.Labels()) != 4 {
		t.Fatalf("split dropped a class: %v / %v", train.Labels(), test.Labels())
	}
	if test.Len() != 12 {
		t.Fatalf("expected 12 held-out samples, got %d", test.Len())
	}
}

func TestEpisodeSampler(t *testing.T) {
	pool, err := NewPool(Synthetic(5, 6, 4, 0.1, 3))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	s, err := NewEpisodeSampler(pool, 3, 2, 3, 9)
	if err != nil {
		t.Fatalf("NewEpisodeSampler: %v", err)
	}
	ep := s.Next()
	if ep.NWay != 3 || len(ep.Examples) != 3 || len(ep.Labels) != 3 {
		t.Fatalf("unexpected episode layout %+v", ep.Labels)
	}
	seen := map[int]bool{}
	for slot, label := range ep.Labels {
		if seen[label] {
			t.Fatalf("label %d drawn twice", label)
		}
		seen[label] = true
		if len(ep.Examples[slot]) != 5 {
			t.Fatalf("slot %d has %d examples, want 5", slot, len(ep.Examples[slot]))
		}
	}

	_, err = NewEpisodeSampler(pool, 3, 4, 3, 9)
	if !errors.Is(err, protonet.ErrInsufficientExamples) {
		t.Fatalf("expected ErrInsufficientExamples, got %v", err)
	}
	_, err = NewEpisodeSampler(pool, 6, 2, 2, 9)
	if !errors.Is(err, protonet.ErrInsufficientExamples) {
		t.Fatalf("expected ErrInsufficientExamples for too many ways, got %v", err)
	}
}

func TestPoolSupportSet(t *testing.T) {
	pool, err := NewPool(Synthetic(3, 4, 2, 0.1, 4))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	set, err := pool.SupportSet(3)
	if err != nil {
		t.Fatalf("SupportSet: %v", err)
	}
	if set.NWay != 3 || set.NSupport != 3 || len(set.Examples[0]) != 3 {
		t.Fatalf("unexpected support set %+v", set.Labels)
	}
	if _, err := pool.SupportSet(5); err == nil {
		t.Fatal("expected error when no class has enough examples")
	}
}

func TestSliceLoaderBatches(t *testing.T) {
	loader := NewSliceLoader(Synthetic(2, 5, 3, 0.1, 5), 4, true, 1)
	if loader.Len() != 10 {
		t.Fatalf("expected 10 samples, got %d", loader.Len())
	}
	for pass := 0; pass < 2; pass++ {
		it := loader.Iterate()
		var sizes []int
		total := 0
		for {
			b, ok := it.Next()
			if !ok {
				break
			}
			sizes = append(sizes, len(b.Inputs))
			total += len(b.Labels)
		}
		if total != 10 || len(sizes) != 3 || sizes[2] != 2 {
			t.Fatalf("pass %d: unexpected batch sizes %v", pass, sizes)
		}
	}
}
