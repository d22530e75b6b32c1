package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/vigil/internal/models"
)

func TestGetBuild(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/namespaces/demo/builds/b1", r.URL.Path)
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(models.Build{
			Namespace:   "demo",
			Name:        "b1",
			Annotations: map[string]string{"a": "1"},
			Status:      models.BuildStatus{Phase: models.PhaseRunning},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "sekrit")
	defer client.Close()

	build, err := client.GetBuild(context.Background(), "demo", "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", build.Name)
	assert.Equal(t, models.PhaseRunning, build.Status.Phase)
	assert.Equal(t, "1", build.Annotations["a"])
}

func TestPatchBuildMergePatch(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "application/merge-patch+json", r.Header.Get("Content-Type"))

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	defer client.Close()

	started := "2026-08-30T10:00:00Z"
	patch := models.BuildPatch{
		SetAnnotations:    map[string]string{"keep": "yes"},
		RemoveAnnotations: []string{"drop"},
		Status: &models.BuildStatusUpdate{
			Phase:          models.PhaseComplete,
			StartTimestamp: &started,
		},
	}
	require.NoError(t, client.PatchBuild(context.Background(), "demo", "b1", patch))

	annotations, ok := body["annotations"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "yes", annotations["keep"])

	// A removed annotation must be present as an explicit JSON null.
	removed, present := annotations["drop"]
	require.True(t, present)
	assert.Nil(t, removed)

	status, ok := body["status"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Complete", status["phase"])
	assert.Equal(t, "2026-08-30T10:00:00Z", status["startTimestamp"])
	assert.Nil(t, status["completionTimestamp"])
}

func TestPatchBuildEmptyIsNoOp(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	defer client.Close()

	require.NoError(t, client.PatchBuild(context.Background(), "demo", "b1", models.BuildPatch{}))
	assert.False(t, called)
}

func TestRemoteStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such build", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	defer client.Close()

	_, err := client.GetBuild(context.Background(), "demo", "missing")
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
	assert.False(t, models.IsInvalid(err))

	var statusErr *models.RemoteStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Contains(t, statusErr.Message, "no such build")
	assert.Equal(t, "/api/v1/namespaces/demo/builds/missing", statusErr.Endpoint)
}

func TestDefaultNamespaceFallback(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", WithNamespace("ci"))
	defer client.Close()

	assert.Equal(t, "ci", client.DefaultNamespace())

	_, err := client.GetBuild(context.Background(), "", "b1")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/namespaces/ci/builds/b1", path)
}
