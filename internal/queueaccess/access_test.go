package queueaccess

import (
	"context"
	"errors"
	"testing"

	"alps/internal/config"
	"alps/internal/daemonctl"
	"alps/internal/queue"
	"alps/internal/testsupport"
)

func TestOpenWithFallbackUsesStore(t *testing.T) {
	store := queue.NewMemoryStore()
	job := queue.NewJob("j1", "/tmp/a.zip")
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	dialed := false
	session, err := OpenWithFallback(context.Background(),
		func(context.Context) (*daemonctl.Client, error) {
			dialed = true
			return nil, daemonctl.ErrUnavailable
		},
		func() (queue.Store, error) { return store, nil },
	)
	if err != nil {
		t.Fatalf("OpenWithFallback: %v", err)
	}
	defer session.Close()

	if !dialed {
		t.Fatal("expected daemon dial attempt first")
	}
	if session.Access.Source() != "store" {
		t.Fatalf("expected store access, got %s", session.Access.Source())
	}
	got, err := session.Access.Get(context.Background(), "j1")
	if err != nil || got.ID != "j1" {
		t.Fatalf("Get: %v %+v", err, got)
	}
	if _, err := session.Access.Get(context.Background(), "nope"); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestOpenMemoryBackendWithoutDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = "127.0.0.1:1"
	_, err := Open(context.Background(), cfg)
	if !errors.Is(err, ErrNoState) {
		t.Fatalf("expected ErrNoState, got %v", err)
	}
}

func TestOpenSQLiteBackendWithoutDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSQLiteStore())
	cfg.Paths.APIBind = "127.0.0.1:1"

	seed, err := queue.Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := seed.Create(context.Background(), queue.NewJob("persisted", "/tmp/a.zip")); err != nil {
		t.Fatal(err)
	}
	_ = seed.Close()

	session, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer session.Close()
	jobs, err := session.Access.List(context.Background(), queue.StatusQueued)
	if err != nil || len(jobs) != 1 || jobs[0].ID != "persisted" {
		t.Fatalf("unexpected listing %v %+v", err, jobs)
	}
	if cfg.Store.Backend != config.BackendSQLite {
		t.Fatalf("unexpected backend %s", cfg.Store.Backend)
	}
}
