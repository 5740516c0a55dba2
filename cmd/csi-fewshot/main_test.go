package main

import (
	"context"
	"path/filepath"
	"testing"

	"csi-fewshot/internal/dataset"
	"csi-fewshot/internal/store"
)

func assertTable(t *testing.T, path, table string, classes int) {
	t.Helper()
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	protos, err := st.Load(context.Background(), table)
	if err != nil {
		t.Fatalf("Load %s: %v", table, err)
	}
	if protos.NWay() != classes {
		t.Fatalf("table %s has %d prototypes, want %d", table, protos.NWay(), classes)
	}
}

func TestDemoConfigProtoThenInfer(t *testing.T) {
	ctx := context.Background()
	f := &rootFlags{
		configPath: filepath.Join("..", "..", "configs", "demo.yaml"),
		storePath:  filepath.Join(t.TempDir(), "protos.db"),
		episodes:   5,
	}
	if err := runProto(ctx, f); err != nil {
		t.Fatalf("runProto: %v", err)
	}
	assertTable(t, f.storePath, "demo", 6)
	if err := runInfer(ctx, f); err != nil {
		t.Fatalf("runInfer: %v", err)
	}
}

func TestSynthShardsProtoThenInfer(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	shards := filepath.Join(dir, "shards")
	if err := runSynth(shards, 5, 12, 16, 2, 0.2, 9); err != nil {
		t.Fatalf("runSynth: %v", err)
	}
	found, err := dataset.DiscoverShards(shards)
	if err != nil {
		t.Fatalf("DiscoverShards: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 shards, got %d", len(found))
	}

	f := &rootFlags{
		trainRoots: []string{shards},
		storePath:  filepath.Join(dir, "protos.db"),
		storeTable: "lab",
		episodes:   4,
		seed:       9,
	}
	if err := runProto(ctx, f); err != nil {
		t.Fatalf("runProto: %v", err)
	}
	assertTable(t, f.storePath, "lab", 5)
	if err := runInfer(ctx, f); err != nil {
		t.Fatalf("runInfer: %v", err)
	}
}

func TestInferMissingTable(t *testing.T) {
	f := &rootFlags{
		configPath: filepath.Join("..", "..", "configs", "demo.yaml"),
		storePath:  filepath.Join(t.TempDir(), "empty.db"),
		storeTable: "missing",
	}
	if err := runInfer(context.Background(), f); err == nil {
		t.Fatal("expected error for a missing prototype table")
	}
}

func TestSynthRejectsZeroShards(t *testing.T) {
	if err := runSynth(t.TempDir(), 2, 2, 2, 0, 0.1, 1); err == nil {
		t.Fatal("expected error for zero shards")
	}
}
