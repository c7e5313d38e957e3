package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	id, err := s.BeginRun(ctx, "/src/hosts", "/nix/store/abc-source", 2)
	if err != nil || id == "" {
		t.Fatalf("begin: %q %v", id, err)
	}
	start := time.Now().Add(-time.Minute)
	if err := s.RecordDeployment(ctx, id, Deployment{Host: "web-1", State: "boot-committed", SystemName: "web-1", Path: "/nix/store/x", Started: start, Finished: start.Add(10 * time.Second)}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordDeployment(ctx, id, Deployment{Host: "web-2", State: "connected", Error: "build failed", Started: start, Finished: start.Add(20 * time.Second)}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.FinishRun(ctx, id, errors.New("build failed")); err != nil {
		t.Fatalf("finish: %v", err)
	}

	all, err := s.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != 2 || all[0].Host != "web-2" || all[1].Host != "web-1" {
		t.Fatalf("recent = %+v", all)
	}
	if all[0].Flake != "/src/hosts" || all[0].RunID != id || all[0].Error != "build failed" {
		t.Fatalf("entry = %+v", all[0])
	}
	if got := all[1].Finished.Sub(all[1].Started); got != 10*time.Second {
		t.Fatalf("duration = %s", got)
	}

	one, err := s.Recent(ctx, "web-1", 10)
	if err != nil || len(one) != 1 || one[0].Path != "/nix/store/x" {
		t.Fatalf("filtered = %+v %v", one, err)
	}
	limited, err := s.Recent(ctx, "", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limited = %+v %v", limited, err)
	}
}

func TestFinishUnknownRun(t *testing.T) {
	if err := openTemp(t).FinishRun(context.Background(), "missing", nil); err == nil {
		t.Fatalf("expected finishing an unknown run to fail")
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	id, _ := s.BeginRun(ctx, ".", "/nix/store/abc", 1)
	now := time.Now()
	if err := s.RecordDeployment(ctx, id, Deployment{Host: "h", State: "pending", Started: now, Finished: now}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	entries, err := s.Recent(ctx, "", 5)
	if err != nil || len(entries) != 1 {
		t.Fatalf("history lost: %+v %v", entries, err)
	}
}
