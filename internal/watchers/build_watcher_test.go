package watchers

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/events"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/runsync"
)

// idleConn blocks reads until closed.
type idleConn struct {
	once sync.Once
	done chan struct{}
}

func newIdleConn() *idleConn {
	return &idleConn{done: make(chan struct{})}
}

func (c *idleConn) ReadJSON(v interface{}) error {
	<-c.done
	return io.ErrClosedPipe
}

func (c *idleConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// prunableRun is the minimal tracked run for prune tests.
type prunableRun struct {
	interfaces.Run
	key   string
	cause *models.TriggerCause
}

func (r prunableRun) Key() string                 { return r.key }
func (r prunableRun) Cause() *models.TriggerCause { return r.cause }

// buildClientStub answers GetBuild from a scripted error map.
type buildClientStub struct {
	mu   sync.Mutex
	errs map[string]error
}

func (c *buildClientStub) GetBuild(ctx context.Context, namespace, name string) (*models.Build, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs[name]; err != nil {
		return nil, err
	}
	return &models.Build{Namespace: namespace, Name: name}, nil
}

func (c *buildClientStub) PatchBuild(ctx context.Context, namespace, name string, patch models.BuildPatch) error {
	return nil
}
func (c *buildClientStub) DefaultNamespace() string { return "default" }
func (c *buildClientStub) Close()                   {}

func newBuildWatcherFixture(t *testing.T) (*BuildWatcher, *runsync.Registry, *buildClientStub) {
	t.Helper()
	logger := common.GetLogger()

	registry := runsync.NewRegistry()
	client := &buildClientStub{errs: map[string]error{}}
	shipper := runsync.NewShipper(client, nil, clockwork.NewRealClock(), logger)
	scheduler := runsync.NewPollScheduler(registry, time.Hour, func(ctx context.Context, run interfaces.Run) error {
		return nil
	}, nil, logger)

	dial := func(ctx context.Context) (events.Conn, error) { return newIdleConn(), nil }
	feed := events.NewFeed(dial, nil, nil, logger)

	w := NewBuildWatcher(feed, scheduler, registry, shipper, client, time.Hour, logger)
	t.Cleanup(w.Stop)
	return w, registry, client
}

func TestBuildWatcherStartStop(t *testing.T) {
	w, _, _ := newBuildWatcherFixture(t)

	assert.Equal(t, "builds", w.Name())
	require.NoError(t, w.Start())
	assert.Error(t, w.Start(), "double start rejected")

	w.Stop()
	assert.NotPanics(t, w.Stop)
}

func TestPruneUntracksDeletedBuilds(t *testing.T) {
	w, registry, client := newBuildWatcherFixture(t)

	registry.Track(prunableRun{key: "gone-1", cause: &models.TriggerCause{Namespace: "demo", Name: "deleted"}})
	registry.Track(prunableRun{key: "alive-1", cause: &models.TriggerCause{Namespace: "demo", Name: "present"}})
	registry.Track(prunableRun{key: "flaky-1", cause: &models.TriggerCause{Namespace: "demo", Name: "flaky"}})
	registry.Track(prunableRun{key: "uncaused-1"})

	client.errs["deleted"] = &models.RemoteStatusError{Code: http.StatusNotFound, Message: "gone"}
	client.errs["flaky"] = &models.RemoteStatusError{Code: http.StatusBadGateway, Message: "proxy hiccup"}

	w.pruneDeleted()

	assert.False(t, registry.Contains("gone-1"), "deleted build untracks its run")
	assert.True(t, registry.Contains("alive-1"))
	assert.True(t, registry.Contains("flaky-1"), "transient failures keep the run")
	assert.True(t, registry.Contains("uncaused-1"), "runs without a cause are left alone")
}
