// Package queueaccess gives CLI commands read access to jobs whether or not
// the daemon is running.
package queueaccess

import (
	"context"

	"alps/internal/daemonctl"
	"alps/internal/queue"
)

// Access provides job lookups regardless of API or direct store backing.
type Access interface {
	Get(ctx context.Context, id string) (*queue.Job, error)
	List(ctx context.Context, statuses ...queue.Status) ([]*queue.Job, error)
	// Source names the backing for display.
	Source() string
}

// NewClientAccess returns an Access backed by the daemon API.
func NewClientAccess(client *daemonctl.Client) Access {
	return &clientAccess{client: client}
}

// NewStoreAccess returns an Access backed by direct store access.
func NewStoreAccess(store queue.Store) Access {
	return &storeAccess{store: store}
}

type clientAccess struct {
	client *daemonctl.Client
}

func (a *clientAccess) Get(ctx context.Context, id string) (*queue.Job, error) {
	return a.client.Result(ctx, id)
}

func (a *clientAccess) List(ctx context.Context, statuses ...queue.Status) ([]*queue.Job, error) {
	return a.client.Jobs(ctx, statuses...)
}

func (a *clientAccess) Source() string { return "daemon" }

type storeAccess struct {
	store queue.Store
}

func (a *storeAccess) Get(ctx context.Context, id string) (*queue.Job, error) {
	return a.store.Get(ctx, id)
}

func (a *storeAccess) List(ctx context.Context, statuses ...queue.Status) ([]*queue.Job, error) {
	return a.store.List(ctx, statuses...)
}

func (a *storeAccess) Source() string { return "store" }
