// -----------------------------------------------------------------------
// Log shipper - incremental run log reader with dedupe and indexed chunks
// -----------------------------------------------------------------------

package runsync

import (
	"bufio"
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// consoleMarkup matches ANSI escape sequences embedded in console output.
var consoleMarkup = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// chunkSequence disambiguates chunk indexes generated within the same
// nanosecond.
var chunkSequence uint64

// runLogState holds the per-run dedupe and chunk-index sequences. Records
// carry their own lock so unrelated runs never serialize against each other.
type runLogState struct {
	mu         sync.Mutex
	emitted    []string
	emittedSet map[string]struct{}
	chunks     []string
}

// Shipper reads a run's full log on every call and ships only the
// not-yet-emitted lines as one indexed annotation chunk. At-least-once with
// dedupe; exactly-once is explicitly not the guarantee.
type Shipper struct {
	client interfaces.BuildClient
	chunks interfaces.ChunkStore // may be nil, purge then covers memory only
	clock  clockwork.Clock
	logger arbor.ILogger

	mu     sync.Mutex
	states map[string]*runLogState
}

// NewShipper creates a log shipper. A nil clock falls back to the real
// clock; chunk indexes are high-resolution clock readings.
func NewShipper(client interfaces.BuildClient, chunks interfaces.ChunkStore, clock clockwork.Clock, logger arbor.ILogger) *Shipper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Shipper{
		client: client,
		chunks: chunks,
		clock:  clock,
		logger: logger,
		states: make(map[string]*runLogState),
	}
}

// Init registers empty log state for the run. Must be called at started
// time; Ship on an unregistered run is skipped.
func (s *Shipper) Init(run interfaces.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[run.Key()]; exists {
		return
	}
	s.states[run.Key()] = &runLogState{
		emittedSet: make(map[string]struct{}),
	}
}

// Forget drops the in-memory log state for the run key.
func (s *Shipper) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
}

func (s *Shipper) state(key string) *runLogState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[key]
}

// Ship reads the run's full log from the start, dedupes against the lines
// already emitted and applies one annotation patch with the new lines. A run
// without registered log state, without a cause, or with no new lines is a
// no-op. Log read failures are logged and retried on the next cycle; remote
// failures propagate to the caller.
func (s *Shipper) Ship(ctx context.Context, run interfaces.Run) error {
	cause := run.Cause()
	if cause == nil {
		return nil
	}

	state := s.state(run.Key())
	if state == nil {
		s.logger.Debug().
			Str("run", run.Key()).
			Msg("No log state registered for run, skipping shipment")
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	reader, err := run.LogReader(ctx)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("run", run.Key()).
			Msg("Cannot read run log, skipping shipment this cycle")
		return nil
	}
	defer reader.Close()

	var newLines []string
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := consoleMarkup.ReplaceAllString(scanner.Text(), "")
		if _, seen := state.emittedSet[line]; !seen {
			newLines = append(newLines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn().
			Err(err).
			Str("run", run.Key()).
			Msg("Run log read failed mid-stream, skipping shipment this cycle")
		return nil
	}

	if len(newLines) == 0 {
		return nil
	}

	seq := atomic.AddUint64(&chunkSequence, 1)
	index := strconv.FormatInt(s.clock.Now().UnixNano(), 10) + "-" + strconv.FormatUint(seq, 10)
	payload := strings.Join(newLines, "\n") + "\n"

	state.chunks = append(state.chunks, index)
	if s.chunks != nil {
		record := models.LogChunkRecord{
			RunKey:    run.Key(),
			Namespace: cause.Namespace,
			Name:      cause.Name,
			Index:     index,
			CreatedAt: s.clock.Now(),
		}
		if err := s.chunks.RecordChunk(ctx, record); err != nil {
			s.logger.Warn().
				Err(err).
				Str("run", run.Key()).
				Msg("Failed to persist log chunk index")
		}
	}

	// Emitted lines advance in the same operation that ships them, so a
	// line is never shipped twice across shipments.
	state.emitted = append(state.emitted, newLines...)
	for _, line := range newLines {
		state.emittedSet[line] = struct{}{}
	}

	s.logger.Debug().
		Str("run", run.Key()).
		Str("chunk", index).
		Int("lines", len(newLines)).
		Msg("Shipping log chunk")

	patch := models.BuildPatch{
		SetAnnotations: map[string]string{
			models.AnnotationLogContentPrefix + index: payload,
		},
	}
	return s.client.PatchBuild(ctx, cause.Namespace, cause.Name, patch)
}

// Purge removes every log chunk annotation ever created for the run, one
// index at a time, tolerating not-found as already clean. It is the only
// path that frees the per-run log annotations remotely.
func (s *Shipper) Purge(ctx context.Context, run interfaces.Run) error {
	cause := run.Cause()
	if cause == nil {
		s.logger.Debug().
			Str("run", run.Key()).
			Msg("Run has no cause, nothing to purge")
		return nil
	}

	indexes := s.collectIndexes(ctx, run.Key())

	for _, index := range indexes {
		patch := models.BuildPatch{
			RemoveAnnotations: []string{models.AnnotationLogContentPrefix + index},
		}
		if err := s.client.PatchBuild(ctx, cause.Namespace, cause.Name, patch); err != nil {
			if models.IsNotFound(err) {
				// Target already gone means there is nothing left to clean.
				break
			}
			return err
		}
	}

	if s.chunks != nil {
		if err := s.chunks.DeleteChunks(ctx, run.Key()); err != nil {
			s.logger.Warn().
				Err(err).
				Str("run", run.Key()).
				Msg("Failed to delete persisted chunk indexes")
		}
	}

	return nil
}

// collectIndexes merges in-memory chunk indexes with persisted ones, kept in
// first-seen order.
func (s *Shipper) collectIndexes(ctx context.Context, key string) []string {
	var indexes []string
	seen := make(map[string]struct{})

	if state := s.state(key); state != nil {
		state.mu.Lock()
		for _, index := range state.chunks {
			if _, dup := seen[index]; !dup {
				seen[index] = struct{}{}
				indexes = append(indexes, index)
			}
		}
		state.mu.Unlock()
	}

	if s.chunks != nil {
		records, err := s.chunks.ListChunks(ctx, key)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("run", key).
				Msg("Failed to list persisted chunk indexes")
		} else {
			for _, record := range records {
				if _, dup := seen[record.Index]; !dup {
					seen[record.Index] = struct{}{}
					indexes = append(indexes, record.Index)
				}
			}
		}
	}

	return indexes
}
