package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"csi-fewshot/internal/model"
	"csi-fewshot/internal/protonet"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "protos.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadIsExact(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	in := &protonet.Prototypes{
		Matrix: mat.NewDense(3, 2, []float64{0.1, -2.5, 1e-300, 7, 3.14159, -0}),
		Labels: []int{4, 1, 9},
	}
	if err := s.Save(ctx, "office", in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, err := s.Load(ctx, "office")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !mat.Equal(in.Matrix, out.Matrix) {
		t.Fatalf("matrix changed:\n%v", mat.Formatted(out.Matrix))
	}
	for i := range in.Labels {
		if in.Labels[i] != out.Labels[i] {
			t.Fatalf("labels changed: %v vs %v", in.Labels, out.Labels)
		}
	}
}

func TestSaveReplacesAndListDelete(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	big := &protonet.Prototypes{Matrix: mat.NewDense(3, 1, []float64{1, 2, 3}), Labels: []int{0, 1, 2}}
	small := &protonet.Prototypes{Matrix: mat.NewDense(1, 1, []float64{9}), Labels: []int{5}}

	if err := s.Save(ctx, "b", big); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, "a", big); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, "b", small); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, "b")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.NWay() != 1 || got.Labels[0] != 5 {
		t.Fatalf("table not replaced: %v", got.Labels)
	}

	names, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected names %v", names)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSaveRejectsBadTables(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	if err := s.Save(ctx, "", &protonet.Prototypes{Matrix: mat.NewDense(1, 1, nil), Labels: []int{0}}); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := s.Save(ctx, "x", &protonet.Prototypes{Matrix: mat.NewDense(2, 1, nil), Labels: []int{0}}); err == nil {
		t.Fatal("expected label count error")
	}
}

func TestDecodeVectorRejectsBadLength(t *testing.T) {
	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected length error")
	}
}

func TestEncoderRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	src, err := model.NewDenseEncoder(4, []int{3}, 2, 1)
	if err != nil {
		t.Fatalf("NewDenseEncoder: %v", err)
	}
	dst, err := model.NewDenseEncoder(4, []int{3}, 2, 99)
	if err != nil {
		t.Fatalf("NewDenseEncoder: %v", err)
	}
	if err := s.SaveEncoder(ctx, "office", src.Params()); err != nil {
		t.Fatalf("SaveEncoder: %v", err)
	}
	if err := s.LoadEncoder(ctx, "office", dst.Params()); err != nil {
		t.Fatalf("LoadEncoder: %v", err)
	}
	for i, p := range src.Params() {
		if !mat.Equal(p.Value, dst.Params()[i].Value) {
			t.Fatalf("parameter %s differs after load", p.Name)
		}
	}

	wrong, err := model.NewDenseEncoder(4, []int{5}, 2, 1)
	if err != nil {
		t.Fatalf("NewDenseEncoder: %v", err)
	}
	if err := s.LoadEncoder(ctx, "office", wrong.Params()); err == nil {
		t.Fatal("expected shape mismatch error")
	}
	if err := s.LoadEncoder(ctx, "missing", dst.Params()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
