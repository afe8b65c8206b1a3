package ports

import (
	"context"

	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
)

// Document is one record of a remote collection.
type Document struct {
	ID   string
	Data map[string]any
}

type ListenOptions struct {
	OrderBy    string
	Descending bool
}

// DocumentStore is the remote source of truth. Implementations own their
// own timeouts; a store that cannot answer reports false from
// CheckConnection.
type DocumentStore interface {
	CheckConnection(ctx context.Context) bool
	CreateDocument(ctx context.Context, collection string, data map[string]any) (Document, error)
	UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) error
	// ListenToCollection delivers the full ordered collection on subscribe
	// and again after every change until unsubscribe is called or ctx ends.
	ListenToCollection(ctx context.Context, collection string, onUpdate func([]Document, error), opts ListenOptions) (unsubscribe func(), err error)
}

// PendingCache keeps unsynced penalties across restarts.
type PendingCache interface {
	SavePending(ctx context.Context, penalties []domain.Penalty) error
	LoadPending(ctx context.Context) ([]domain.Penalty, error)
}
