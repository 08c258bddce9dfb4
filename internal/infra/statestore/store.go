// Package statestore keeps the little state the bot needs across restarts:
// the sync position and per-sender command cooldowns.
package statestore

import (
	"context"
	"fmt"
	"time"
)

const (
	keyPrefix    = "texbot:"
	syncTokenKey = keyPrefix + "sync:next_batch"
)

func cooldownKey(sender string) string {
	return keyPrefix + "cooldown:" + sender
}

// Store persists bot state.
type Store interface {
	// SyncToken returns the saved next_batch token, or "" if none.
	SyncToken(ctx context.Context) (string, error)
	SetSyncToken(ctx context.Context, token string) error
	// Allow reports whether sender may run a command now, and if so starts
	// a cooldown of ttl. A non-positive ttl always allows.
	Allow(ctx context.Context, sender string, ttl time.Duration) (bool, error)
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend   string // "memory" or "redis"
	RedisAddr string
	RedisDB   int
}

// New opens the configured backend.
func New(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(ctx, opts.RedisAddr, opts.RedisDB)
	default:
		return nil, fmt.Errorf("unknown state backend %q", opts.Backend)
	}
}
