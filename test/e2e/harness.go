// Package e2e drives the whole relay stack over HTTP: real Postgres and
// Redis behind the services, a scripted agent behind the stream engine,
// and the public API in front.
package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/agent"
	"github.com/codeready-toolchain/relay/pkg/api"
	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/database"
	relayevents "github.com/codeready-toolchain/relay/pkg/events"
	"github.com/codeready-toolchain/relay/pkg/followup"
	"github.com/codeready-toolchain/relay/pkg/kv"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/permissions"
	"github.com/codeready-toolchain/relay/pkg/sandbox"
	"github.com/codeready-toolchain/relay/pkg/scheduler"
	"github.com/codeready-toolchain/relay/pkg/services"
	"github.com/codeready-toolchain/relay/pkg/stream"
	testdb "github.com/codeready-toolchain/relay/test/database"
	"github.com/codeready-toolchain/relay/test/kvtest"
)

const testUser = "e2e@example.com"

// Harness is one complete relay deployment under test.
type Harness struct {
	TS        *httptest.Server
	Cfg       *config.Config
	DB        *database.Client
	KV        *kv.Client
	Chats     *services.ChatService
	Messages  *services.MessageService
	Events    *services.EventService
	Tasks     *scheduler.Service
	Engine    *stream.Engine
	Agents    *agent.ScriptedFactory
	Sandboxes *sandbox.Fake
	FollowUps *followup.Store
	Perms     *permissions.Registry
}

// NewHarness boots the full stack against fresh Postgres and Redis.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	client := testdb.NewTestClient(t)
	kvc := kvtest.NewTestClient(t)

	cfg := &config.Config{
		Server:      config.DefaultServerConfig(),
		Stream:      config.DefaultStreamConfig(),
		FollowUp:    config.DefaultFollowUpConfig(),
		Permissions: config.DefaultPermissionConfig(),
		Scheduler:   config.DefaultSchedulerConfig(),
		Maintenance: config.DefaultMaintenanceConfig(),
		Agent:       config.DefaultAgentConfig(),
	}
	cfg.Stream.FlushInterval = 20 * time.Millisecond
	cfg.Stream.LiveWaitTimeout = 50 * time.Millisecond
	cfg.Stream.HeartbeatInterval = time.Second
	cfg.Permissions.RequestTTL = 2 * time.Second

	h := &Harness{
		Cfg:       cfg,
		DB:        client,
		KV:        kvc,
		Chats:     services.NewChatService(client),
		Messages:  services.NewMessageService(client),
		Events:    services.NewEventService(client),
		Tasks:     scheduler.NewService(client),
		Agents:    agent.NewScriptedFactory(),
		Sandboxes: sandbox.NewFake(),
		FollowUps: followup.NewStore(kvc, cfg.FollowUp.MessageTTL),
		Perms:     permissions.NewRegistry(kvc, cfg.Permissions.RequestTTL),
	}

	publisher := relayevents.NewPublisher(kvc)
	subscriber := relayevents.NewSubscriber(kvc)

	h.Engine = stream.NewEngine(cfg.Stream, cfg.Agent, stream.Deps{
		Chats:      h.Chats,
		Messages:   h.Messages,
		Events:     h.Events,
		Publisher:  publisher,
		Subscriber: subscriber,
		Registry:   stream.NewCancellationRegistry(cfg.Stream.CancelPendingTTL),
		FollowUps:  h.FollowUps,
		Sandboxes:  h.Sandboxes,
		Agents:     h.Agents,
		KV:         kvc,
	})
	h.Engine.Start(context.Background())
	t.Cleanup(func() { h.Engine.Stop(10 * time.Second) })

	server := api.NewServer(cfg, api.Deps{
		DB:          client,
		KV:          kvc,
		Chats:       h.Chats,
		Messages:    h.Messages,
		Events:      h.Events,
		Engine:      h.Engine,
		Resumer:     stream.NewResumer(cfg.Stream, h.Events, h.Messages, subscriber),
		FollowUps:   h.FollowUps,
		Permissions: h.Perms,
		Publisher:   publisher,
		Subscriber:  subscriber,
		Scheduler:   h.Tasks,
		Sandboxes:   h.Sandboxes,
	})
	h.TS = httptest.NewServer(server.Handler())
	t.Cleanup(h.TS.Close)

	return h
}

// NewRunner builds a scheduler runner as one pod's maintenance loop would.
func (h *Harness) NewRunner(t *testing.T) *scheduler.Runner {
	t.Helper()
	r := scheduler.NewRunner(h.Cfg.Scheduler, h.Tasks, h.Chats, h.Messages, h.Engine)
	t.Cleanup(r.Stop)
	return r
}

// Do issues a request carrying the test user's identity.
func (h *Harness) Do(t *testing.T, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.TS.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-User", testUser)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := h.TS.Client().Do(req)
	require.NoError(t, err)
	return resp
}

// DoJSON issues a JSON request carrying the test user's identity.
func (h *Harness) DoJSON(t *testing.T, method, path string, payload any) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = strings.NewReader(string(raw))
	}
	return h.Do(t, method, path, body, "application/json")
}

// PostChat submits a prompt turn and decodes the accept response.
func (h *Harness) PostChat(t *testing.T, form url.Values) models.StartStreamResponse {
	t.Helper()
	resp := h.Do(t, http.MethodPost, "/api/v1/chat",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out models.StartStreamResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// WaitTerminal polls until the assistant message leaves in_progress.
func (h *Harness) WaitTerminal(t *testing.T, messageID uuid.UUID) models.StreamStatus {
	t.Helper()
	var status models.StreamStatus
	require.Eventually(t, func() bool {
		msg, err := h.Messages.GetMessage(context.Background(), messageID)
		if err != nil {
			return false
		}
		status = msg.StreamStatus
		return status.IsTerminal()
	}, 15*time.Second, 20*time.Millisecond)
	return status
}

// WaitEventCount polls until the chat log holds at least n events.
func (h *Harness) WaitEventCount(t *testing.T, chatID uuid.UUID, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		events, err := h.Events.RangeByChat(context.Background(), chatID, 0, 1000)
		return err == nil && len(events) >= n
	}, 10*time.Second, 10*time.Millisecond)
}
