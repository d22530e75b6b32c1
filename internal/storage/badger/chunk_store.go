package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ChunkStore implements the ChunkStore interface for Badger
type ChunkStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewChunkStore creates a new ChunkStore instance
func NewChunkStore(db *BadgerDB, logger arbor.ILogger) interfaces.ChunkStore {
	return &ChunkStore{
		db:     db,
		logger: logger,
	}
}

// RecordChunk persists one shipped chunk index. The chunk index is unique
// per process lifetime, so runKey+index makes a stable primary key.
func (s *ChunkStore) RecordChunk(ctx context.Context, record models.LogChunkRecord) error {
	key := fmt.Sprintf("%s_%s", record.RunKey, record.Index)
	if err := s.db.Store().Upsert(key, &record); err != nil {
		return fmt.Errorf("failed to record log chunk: %w", err)
	}
	return nil
}

// ListChunks returns every recorded chunk for the run in shipment order.
func (s *ChunkStore) ListChunks(ctx context.Context, runKey string) ([]models.LogChunkRecord, error) {
	var chunks []models.LogChunkRecord
	query := badgerhold.Where("RunKey").Eq(runKey).Index("RunKey").SortBy("CreatedAt", "Index")
	if err := s.db.Store().Find(&chunks, query); err != nil {
		return nil, fmt.Errorf("failed to list log chunks: %w", err)
	}
	return chunks, nil
}

// DeleteChunks drops every recorded chunk for the run.
func (s *ChunkStore) DeleteChunks(ctx context.Context, runKey string) error {
	if err := s.db.Store().DeleteMatching(&models.LogChunkRecord{}, badgerhold.Where("RunKey").Eq(runKey)); err != nil {
		return fmt.Errorf("failed to delete log chunks: %w", err)
	}
	return nil
}
