package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProviderStub(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithBaseURL(srv.URL, "test-key", 5*time.Second)
}

func TestClient_Create(t *testing.T) {
	client := newProviderStub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sandboxes", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sandbox_id":"sbx-1","status":"running","created_at":"2026-08-24T10:00:00Z"}`))
	}))

	info, err := client.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", info.ID)
	assert.Equal(t, "running", info.Status)
}

func TestClient_AttachNotFound(t *testing.T) {
	client := newProviderStub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := client.Attach(context.Background(), "sbx-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_Checkpoint(t *testing.T) {
	client := newProviderStub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sandboxes/sbx-1/checkpoints", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"checkpoint_id":"ckpt-42"}`))
	}))

	id, err := client.Checkpoint(context.Background(), "sbx-1")
	require.NoError(t, err)
	assert.Equal(t, "ckpt-42", id)
}

func TestClient_DeleteTolerates404(t *testing.T) {
	requests := 0
	client := newProviderStub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.NotFound(w, r)
	}))

	require.NoError(t, client.Delete(context.Background(), "sbx-1"))
	require.NoError(t, client.Delete(context.Background(), "sbx-1"), "deleting an already-gone sandbox succeeds")
}

func TestClient_List(t *testing.T) {
	client := newProviderStub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(`{"sandboxes":[{"sandbox_id":"sbx-1"},{"sandbox_id":"sbx-2"}]}`))
	}))

	infos, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "sbx-1", infos[0].ID)
	assert.Equal(t, "sbx-2", infos[1].ID)
}

func TestClient_ProviderErrorIncludesStatus(t *testing.T) {
	client := newProviderStub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream broke"))
	}))

	_, err := client.Create(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream broke")
}

func TestFake_RoundTrip(t *testing.T) {
	fake := NewFake()
	ctx := context.Background()

	info, err := fake.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, info.ID)

	attached, err := fake.Attach(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, attached.ID)

	_, err = fake.Attach(ctx, "sbx-unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	ckpt, err := fake.Checkpoint(ctx, info.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, ckpt)
	assert.Equal(t, []string{ckpt}, fake.Checkpoints(info.ID))

	require.NoError(t, fake.Delete(ctx, info.ID))
	assert.Equal(t, []string{info.ID}, fake.Deleted())

	infos, err := fake.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)
}
