package queueaccess

import (
	"context"
	"errors"
	"fmt"

	"alps/internal/config"
	"alps/internal/daemonctl"
	"alps/internal/queue"
)

// ErrNoState is returned when the daemon is unreachable and the configured
// backend keeps nothing outside the daemon process.
var ErrNoState = errors.New("daemon not reachable and the memory store holds no state outside it")

// Session represents an access handle and its cleanup function.
type Session struct {
	Access Access
	close  func() error
}

// Close releases resources associated with the session.
func (s Session) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// OpenWithFallback tries the daemon API first, then falls back to opening the
// configured store directly.
func OpenWithFallback(
	ctx context.Context,
	dial func(context.Context) (*daemonctl.Client, error),
	openStore func() (queue.Store, error),
) (Session, error) {
	if dial != nil {
		if client, err := dial(ctx); err == nil {
			return Session{Access: NewClientAccess(client)}, nil
		}
	}

	if openStore == nil {
		return Session{}, fmt.Errorf("open job store: no store opener configured")
	}
	store, err := openStore()
	if err != nil {
		return Session{}, fmt.Errorf("open job store: %w", err)
	}
	return Session{
		Access: NewStoreAccess(store),
		close:  store.Close,
	}, nil
}

// Open wires OpenWithFallback to cfg.
func Open(ctx context.Context, cfg *config.Config) (Session, error) {
	dial := func(ctx context.Context) (*daemonctl.Client, error) {
		client := daemonctl.NewClient(cfg)
		if err := client.Ping(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
	openStore := func() (queue.Store, error) {
		if cfg.Store.Backend == config.BackendMemory {
			return nil, ErrNoState
		}
		return queue.Open(cfg)
	}
	return OpenWithFallback(ctx, dial, openStore)
}
