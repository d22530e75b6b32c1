package runsync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// fakeRun is a scriptable interfaces.Run for tests.
type fakeRun struct {
	mu          sync.Mutex
	key         string
	kind        models.RunKind
	jobName     string
	urlPath     string
	started     bool
	running     bool
	result      models.RunResult
	startTime   time.Time
	duration    time.Duration
	cause       *models.TriggerCause
	detail      *models.RunDetail
	log         string
	logErr      error
	description string
}

func newFakeRun(key string) *fakeRun {
	return &fakeRun{
		key:     key,
		kind:    models.RunKindPipeline,
		jobName: key,
		urlPath: "job/" + key + "/1/",
		started: true,
		running: true,
		cause:   &models.TriggerCause{Namespace: "demo", Name: "b1"},
	}
}

func (f *fakeRun) Key() string            { return f.key }
func (f *fakeRun) Kind() models.RunKind   { return f.kind }
func (f *fakeRun) JobName() string        { return f.jobName }
func (f *fakeRun) URLPath() string        { return f.urlPath }
func (f *fakeRun) IsStarted() bool        { f.mu.Lock(); defer f.mu.Unlock(); return f.started }
func (f *fakeRun) IsRunning() bool        { f.mu.Lock(); defer f.mu.Unlock(); return f.running }
func (f *fakeRun) Result() models.RunResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}
func (f *fakeRun) StartTime() time.Time         { f.mu.Lock(); defer f.mu.Unlock(); return f.startTime }
func (f *fakeRun) Duration() time.Duration      { f.mu.Lock(); defer f.mu.Unlock(); return f.duration }
func (f *fakeRun) Cause() *models.TriggerCause  { return f.cause }
func (f *fakeRun) Detail() *models.RunDetail    { return f.detail }
func (f *fakeRun) LogReader(ctx context.Context) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logErr != nil {
		return nil, f.logErr
	}
	return io.NopCloser(strings.NewReader(f.log)), nil
}
func (f *fakeRun) SetDescription(ctx context.Context, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.description = description
	return nil
}

func (f *fakeRun) appendLog(lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, line := range lines {
		f.log += line + "\n"
	}
}

func (f *fakeRun) finish(result models.RunResult, start time.Time, duration time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.result = result
	f.startTime = start
	f.duration = duration
}

// appliedPatch records one PatchBuild call.
type appliedPatch struct {
	namespace string
	name      string
	patch     models.BuildPatch
}

// fakeBuildClient records patches and maintains a merged annotation view.
type fakeBuildClient struct {
	mu          sync.Mutex
	patches     []appliedPatch
	annotations map[string]string
	// err, when non-nil, fails every PatchBuild call.
	err error
}

func newFakeBuildClient() *fakeBuildClient {
	return &fakeBuildClient{
		annotations: make(map[string]string),
	}
}

func (c *fakeBuildClient) PatchBuild(ctx context.Context, namespace, name string, patch models.BuildPatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return c.err
	}

	c.patches = append(c.patches, appliedPatch{namespace: namespace, name: name, patch: patch})
	for k, v := range patch.SetAnnotations {
		c.annotations[k] = v
	}
	for _, k := range patch.RemoveAnnotations {
		delete(c.annotations, k)
	}
	return nil
}

func (c *fakeBuildClient) GetBuild(ctx context.Context, namespace, name string) (*models.Build, error) {
	return nil, fmt.Errorf("not implemented")
}

func (c *fakeBuildClient) DefaultNamespace() string { return "default" }
func (c *fakeBuildClient) Close()                   {}

func (c *fakeBuildClient) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeBuildClient) patchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.patches)
}

func (c *fakeBuildClient) annotation(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.annotations[key]
	return v, ok
}

// chunkAnnotations returns the log-content annotation keys currently set.
func (c *fakeBuildClient) chunkAnnotations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for k := range c.annotations {
		if strings.HasPrefix(k, models.AnnotationLogContentPrefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

// lastStatus returns the status of the most recent patch that carried one.
func (c *fakeBuildClient) lastStatus() *models.BuildStatusUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.patches) - 1; i >= 0; i-- {
		if c.patches[i].patch.Status != nil {
			return c.patches[i].patch.Status
		}
	}
	return nil
}

var _ interfaces.BuildClient = (*fakeBuildClient)(nil)
var _ interfaces.Run = (*fakeRun)(nil)

// notFoundErr and invalidErr mimic the remote API failure modes.
var notFoundErr = &models.RemoteStatusError{Code: http.StatusNotFound, Message: "build not found"}
var invalidErr = &models.RemoteStatusError{Code: http.StatusUnprocessableEntity, Message: "rejected"}

// memChunkStore is an in-memory interfaces.ChunkStore.
type memChunkStore struct {
	mu      sync.Mutex
	records map[string][]models.LogChunkRecord
}

func newMemChunkStore() *memChunkStore {
	return &memChunkStore{records: make(map[string][]models.LogChunkRecord)}
}

func (s *memChunkStore) RecordChunk(ctx context.Context, record models.LogChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.RunKey] = append(s.records[record.RunKey], record)
	return nil
}

func (s *memChunkStore) ListChunks(ctx context.Context, runKey string) ([]models.LogChunkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LogChunkRecord(nil), s.records[runKey]...), nil
}

func (s *memChunkStore) DeleteChunks(ctx context.Context, runKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, runKey)
	return nil
}

var _ interfaces.ChunkStore = (*memChunkStore)(nil)

func testRootURL(root string) interfaces.RootURLResolver {
	return func(ctx context.Context, namespace string) (string, error) {
		return root, nil
	}
}
