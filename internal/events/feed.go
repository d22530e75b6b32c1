// Package events consumes the CI engine's run lifecycle event stream.
package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
)

// Event types emitted by the engine.
const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventDeleted   = "deleted"
	EventFinalized = "finalized"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second

	// seenLimit bounds the duplicate-suppression window. The engine redelivers
	// recent events after a reconnect.
	seenLimit = 1024
)

// RunEvent is one lifecycle event on the engine's stream.
type RunEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Key  string `json:"key"`
}

// Conn abstracts the WebSocket connection for testability.
// The real implementation wraps gorilla/websocket; tests use a channel pair.
type Conn interface {
	ReadJSON(v interface{}) error
	Close() error
}

// Dialer opens one event stream connection.
type Dialer func(ctx context.Context) (Conn, error)

// NewDialer returns a Dialer for the engine's event stream endpoint. An
// empty token dials unauthenticated.
func NewDialer(streamURL, token string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		header := http.Header{}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, streamURL, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Feed reads lifecycle events from the engine, resolves each run and invokes
// the listener callback matching the event type. Reconnects with capped
// exponential backoff; redelivered events are suppressed by ID.
type Feed struct {
	dial     Dialer
	source   interfaces.RunSource
	listener interfaces.RunListener
	logger   arbor.ILogger

	mu     sync.Mutex
	conn   Conn
	seen   map[string]struct{}
	order  []string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeed creates an event feed. Start must be called to begin consuming.
func NewFeed(dial Dialer, source interfaces.RunSource, listener interfaces.RunListener, logger arbor.ILogger) *Feed {
	return &Feed{
		dial:     dial,
		source:   source,
		listener: listener,
		logger:   logger,
		seen:     make(map[string]struct{}),
	}
}

// Start launches the consume loop. It returns immediately; the loop runs
// until Stop or ctx cancellation.
func (f *Feed) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.loop(ctx)
	}()
}

// Stop halts the consume loop and waits for in-flight dispatches.
func (f *Feed) Stop() {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()

	f.wg.Wait()
}

func (f *Feed) loop(ctx context.Context) {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		session := uuid.NewString()[:8]
		conn, err := f.dial(ctx)
		if err != nil {
			f.logger.Warn().
				Err(err).
				Str("retry_in", backoff.String()).
				Msg("Event stream connect failed")

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		f.logger.Info().
			Str("session", session).
			Msg("Event stream connected")
		backoff = initialBackoff

		f.consume(ctx, conn)
		conn.Close()

		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
	}
}

// consume reads events until the connection fails or ctx is cancelled.
func (f *Feed) consume(ctx context.Context, conn Conn) {
	for {
		var event RunEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() == nil {
				f.logger.Warn().
					Err(err).
					Msg("Event stream read failed, reconnecting")
			}
			return
		}
		f.dispatch(ctx, event)
	}
}

func (f *Feed) dispatch(ctx context.Context, event RunEvent) {
	if event.Key == "" {
		return
	}
	if event.ID != "" && f.alreadySeen(event.ID) {
		f.logger.Debug().
			Str("event", event.ID).
			Msg("Skipping redelivered event")
		return
	}

	run, err := f.source.Lookup(ctx, event.Key)
	if err != nil {
		f.logger.Warn().
			Err(err).
			Str("run", event.Key).
			Str("type", event.Type).
			Msg("Cannot resolve run for event")
		return
	}

	switch event.Type {
	case EventStarted:
		f.listener.OnStarted(ctx, run)
	case EventCompleted:
		f.listener.OnCompleted(ctx, run)
	case EventDeleted:
		f.listener.OnDeleted(ctx, run)
	case EventFinalized:
		f.listener.OnFinalized(ctx, run)
	default:
		f.logger.Debug().
			Str("type", event.Type).
			Str("run", event.Key).
			Msg("Ignoring unknown event type")
	}
}

// alreadySeen records the event ID and reports whether it was present. The
// window is bounded; oldest IDs fall out first.
func (f *Feed) alreadySeen(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.seen[id]; exists {
		return true
	}
	f.seen[id] = struct{}{}
	f.order = append(f.order, id)
	if len(f.order) > seenLimit {
		delete(f.seen, f.order[0])
		f.order = f.order[1:]
	}
	return false
}
