// Package mongo implements knowledge.Store by delegating to the narrow Mongo
// client, mapping driver failures to transient faults so the workflow runtime
// retries them.
package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/aura-dev/aura/features/knowledge/mongo/clients/mongo"
	"github.com/aura-dev/aura/knowledge"
	"github.com/aura-dev/aura/runtime/orchestrator/fault"
)

// Store implements knowledge.Store over the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// PutChunks upserts the chunks in their tenants' namespaces.
func (s *Store) PutChunks(ctx context.Context, chunks []knowledge.Chunk) error {
	if err := s.client.UpsertChunks(ctx, chunks); err != nil {
		return fault.Wrap(fault.KindTransient, "upsert chunks", err)
	}
	return nil
}

// LoadTenant returns every chunk of the tenant's namespace.
func (s *Store) LoadTenant(ctx context.Context, tenant string) ([]knowledge.Chunk, error) {
	chunks, err := s.client.ListChunks(ctx, tenant)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "list chunks", err)
	}
	return chunks, nil
}

// SaveIngestCheckpoint records the last completed ingest source for the
// tenant.
func (s *Store) SaveIngestCheckpoint(ctx context.Context, tenant, sourcePath string) error {
	if err := s.client.SaveCheckpoint(ctx, tenant, sourcePath); err != nil {
		return fault.Wrap(fault.KindTransient, "save ingest checkpoint", err)
	}
	return nil
}

// LoadIngestCheckpoint returns the last completed ingest source for the
// tenant.
func (s *Store) LoadIngestCheckpoint(ctx context.Context, tenant string) (string, error) {
	path, err := s.client.LoadCheckpoint(ctx, tenant)
	if err != nil {
		return "", fault.Wrap(fault.KindTransient, "load ingest checkpoint", err)
	}
	return path, nil
}
