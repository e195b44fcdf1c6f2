package store

import (
	"context"

	"github.com/kubux/tagsync/pkg/model"
)

// StateStore is the slice of the state DB the manager, syncer and CLI
// depend on. *Store implements it; tests substitute failing fakes.
type StateStore interface {
	Close() error

	// --- Identity ---

	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
	EnsureDeviceID(ctx context.Context, preferred string, generate func() string) (string, error)

	// --- Watermarks ---

	GetWatermark(ctx context.Context, deviceID string) (uint64, error)
	ListWatermarks(ctx context.Context) ([]model.Watermark, error)
	WatermarkMap(ctx context.Context) (map[string]uint64, error)

	// --- Operation index ---

	IndexOperations(ctx context.Context, ops []model.TagOperation) error
	OperationsForKey(ctx context.Context, key model.Key) ([]model.TagOperation, error)
	OperationsForMessage(ctx context.Context, messageKey string) ([]model.TagOperation, error)
	ListOperations(ctx context.Context) ([]model.TagOperation, error)
	CountOperations(ctx context.Context) (map[string]int64, error)

	// Commit indexes ops and advances watermarks atomically.
	Commit(ctx context.Context, ops []model.TagOperation, marks map[string]uint64) error
}

// Compile-time check that *Store implements StateStore.
var _ StateStore = (*Store)(nil)
