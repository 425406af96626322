package storage

import (
	"context"

	"pr-hostdata-cache/internal/domain"
)

// Mode reports whether a backend survives the process.
type Mode string

const (
	ModeDurable Mode = "durable"
	ModeMemory  Mode = "memory"
)

// Entry is one persisted record. Data is the record's JSON encoding.
type Entry struct {
	ID        string
	FetchedAt int64
	ExpiresAt int64
	Data      []byte
}

// Backend is a keyed store holding one collection per record kind.
type Backend interface {
	Mode() Mode
	Put(ctx context.Context, kind domain.Kind, entry Entry) error
	Delete(ctx context.Context, kind domain.Kind, id string) error
	Load(ctx context.Context, kind domain.Kind) ([]Entry, error)
	// DeleteExpired removes entries with ExpiresAt <= now and returns how many were removed.
	DeleteExpired(ctx context.Context, kind domain.Kind, now int64) (int, error)
	Clear(ctx context.Context, kind domain.Kind) error
	Close() error
}

// Opener creates the primary backend. It is called lazily on first use.
type Opener func(ctx context.Context) (Backend, error)
