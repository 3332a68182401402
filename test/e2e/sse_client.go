package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// SSEClient tails one chat's SSE stream, delivering decoded envelopes on
// Frames. The channel closes when the server ends the stream (terminal
// and fully delivered) or the context is cancelled.
type SSEClient struct {
	Frames <-chan *models.StreamEnvelope
	Err    <-chan error

	cancel context.CancelFunc
}

// OpenSSE connects to the chat's stream endpoint. lastEventID is sent as
// the Last-Event-ID header when non-empty.
func (h *Harness) OpenSSE(t *testing.T, path, lastEventID string) *SSEClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.TS.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-User", testUser)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := h.TS.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := make(chan *models.StreamEnvelope, 64)
	errCh := make(chan error, 1)
	go func() {
		defer close(frames)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var env models.StreamEnvelope
			if err := json.Unmarshal([]byte(strings.TrimSpace(line[5:])), &env); err != nil {
				errCh <- err
				return
			}
			frames <- &env
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	c := &SSEClient{Frames: frames, Err: errCh, cancel: cancel}
	t.Cleanup(c.Close)
	return c
}

// Close disconnects the client.
func (c *SSEClient) Close() {
	c.cancel()
}
