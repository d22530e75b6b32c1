package interfaces

import (
	"context"

	"github.com/ternarybob/vigil/internal/models"
)

// ChunkStore persists the log chunk indexes shipped for each run, so purge
// can locate every annotation it created even across restarts.
type ChunkStore interface {
	RecordChunk(ctx context.Context, record models.LogChunkRecord) error
	ListChunks(ctx context.Context, runKey string) ([]models.LogChunkRecord, error)
	DeleteChunks(ctx context.Context, runKey string) error
}
