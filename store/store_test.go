package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/stackvm/vm/dist"
)

func helloImage() *dist.Image {
	return &dist.Image{
		Version:   dist.ImageVersion,
		Name:      "hello",
		Functions: []dist.Function{{Name: "main"}},
		Code:      []int{9, 1, 9, 2, 1, 14, 18},
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetImage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	hash, err := s.PutImage(ctx, helloImage())
	if err != nil {
		t.Fatalf("PutImage failed: %v", err)
	}
	want, _ := helloImage().HashHex()
	if hash != want {
		t.Errorf("hash = %s, want %s", hash, want)
	}

	// Idempotent
	again, err := s.PutImage(ctx, helloImage())
	if err != nil || again != hash {
		t.Errorf("second PutImage = %s, %v", again, err)
	}

	img, err := s.GetImage(ctx, hash)
	if err != nil {
		t.Fatalf("GetImage failed: %v", err)
	}
	if img.Name != "hello" || len(img.Code) != 7 {
		t.Errorf("image = %+v", img)
	}
}

func TestGetImageNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetImage(context.Background(), "deadbeef")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordAndListRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	hash, _ := s.PutImage(ctx, helloImage())

	start := time.Unix(1700000000, 0)
	first, err := s.RecordRun(ctx, Run{
		ImageHash: hash,
		Halted:    true,
		Cycles:    4,
		Output:    "3\n",
		StartedAt: start,
		Duration:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}
	if first.ID == "" {
		t.Error("RecordRun did not assign an id")
	}
	if _, err := s.RecordRun(ctx, Run{
		ImageHash: hash,
		Fault:     "bounds fault at ip=9",
		StartedAt: start.Add(time.Second),
	}); err != nil {
		t.Fatal(err)
	}

	runs, err := s.Runs(ctx, hash)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	if runs[0].ID != first.ID || !runs[0].Halted || runs[0].Cycles != 4 || runs[0].Output != "3\n" {
		t.Errorf("runs[0] = %+v", runs[0])
	}
	if !runs[0].StartedAt.Equal(start) || runs[0].Duration != time.Millisecond {
		t.Errorf("runs[0] timing = %v %v", runs[0].StartedAt, runs[0].Duration)
	}
	if runs[1].Halted || runs[1].Fault == "" {
		t.Errorf("runs[1] = %+v", runs[1])
	}

	other, err := s.Runs(ctx, "other")
	if err != nil || len(other) != 0 {
		t.Errorf("Runs(other) = %v, %v", other, err)
	}
}
