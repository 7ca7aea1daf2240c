package peersync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/automerge/automerge-go"

	syncErrors "github.com/c0deZ3R0/peersync/errors"
	"github.com/c0deZ3R0/peersync/logging"
)

// DocStore persists document snapshots (automerge's Save format) by id.
type DocStore interface {
	// LoadAll returns every stored snapshot keyed by document id.
	LoadAll(ctx context.Context) (map[string][]byte, error)

	// Save replaces the snapshot of one document.
	Save(ctx context.Context, docID string, snapshot []byte) error

	Close() error
}

const storeTimeout = 10 * time.Second

// loadStored fills the set from the store. It runs before the loop starts.
func (e *Engine) loadStored() error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	return e.logger.LogOperation(ctx, logging.Operation(syncErrors.OpLoad), func() error {
		snapshots, err := e.store.LoadAll(ctx)
		if err != nil {
			return syncErrors.NewStorageError(syncErrors.OpLoad, err)
		}
		for id, data := range snapshots {
			doc, err := automerge.Load(data)
			if err != nil {
				return syncErrors.NewStorageError(syncErrors.OpLoad, fmt.Errorf("document %q: %w", id, err))
			}
			if e.actorID != "" {
				if err := doc.SetActorID(e.actorID); err != nil {
					return syncErrors.NewValidationError(syncErrors.OpLoad, err)
				}
			}
			e.set.SetDoc(id, doc)
		}
		e.logger.Info("loaded stored documents", slog.Int("count", len(snapshots)))
		return nil
	})
}

// persist is the document set handler that saves every changed document.
func (e *Engine) persist(docID string, doc *automerge.Doc) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := e.store.Save(ctx, docID, doc.Save()); err != nil {
		e.metrics.RecordError(string(syncErrors.OpStore), "store_failure")
		e.logger.LogError(ctx, syncErrors.NewStorageError(syncErrors.OpStore, err), "failed to save document",
			slog.String("doc_id", docID))
	}
}
