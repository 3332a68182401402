package api

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
	"github.com/codeready-toolchain/relay/pkg/config"
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

const testUser = "user@example.com"

type apiFixture struct {
	server    *Server
	ts        *httptest.Server
	cfg       *config.Config
	kvc       *kv.Client
	chats     *services.ChatService
	messages  *services.MessageService
	events    *services.EventService
	engine    *stream.Engine
	agents    *agent.ScriptedFactory
	sandboxes *sandbox.Fake
	followups *followup.Store
	perms     *permissions.Registry
}

func setupAPI(t *testing.T) *apiFixture {
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

	chats := services.NewChatService(client)
	messages := services.NewMessageService(client)
	events := services.NewEventService(client)
	agents := agent.NewScriptedFactory()
	sandboxes := sandbox.NewFake()
	followups := followup.NewStore(kvc, cfg.FollowUp.MessageTTL)
	perms := permissions.NewRegistry(kvc, cfg.Permissions.RequestTTL)
	publisher := relayevents.NewPublisher(kvc)
	subscriber := relayevents.NewSubscriber(kvc)

	engine := stream.NewEngine(cfg.Stream, cfg.Agent, stream.Deps{
		Chats:      chats,
		Messages:   messages,
		Events:     events,
		Publisher:  publisher,
		Subscriber: subscriber,
		Registry:   stream.NewCancellationRegistry(cfg.Stream.CancelPendingTTL),
		FollowUps:  followups,
		Sandboxes:  sandboxes,
		Agents:     agents,
		KV:         kvc,
	})
	engine.Start(context.Background())
	t.Cleanup(func() { engine.Stop(10 * time.Second) })

	f := &apiFixture{
		cfg:       cfg,
		kvc:       kvc,
		chats:     chats,
		messages:  messages,
		events:    events,
		engine:    engine,
		agents:    agents,
		sandboxes: sandboxes,
		followups: followups,
		perms:     perms,
	}
	f.server = NewServer(cfg, Deps{
		DB:          client,
		KV:          kvc,
		Chats:       chats,
		Messages:    messages,
		Events:      events,
		Engine:      engine,
		Resumer:     stream.NewResumer(cfg.Stream, events, messages, subscriber),
		FollowUps:   followups,
		Permissions: perms,
		Publisher:   publisher,
		Subscriber:  subscriber,
		Scheduler:   scheduler.NewService(client),
		Sandboxes:   sandboxes,
	})
	f.ts = httptest.NewServer(f.server.Handler())
	t.Cleanup(f.ts.Close)

	return f
}

// do issues a request with the test user's identity headers.
func (f *apiFixture) do(t *testing.T, method, path string, body io.Reader, contentType string) *http.Response {
	return f.doAs(t, testUser, method, path, body, contentType)
}

func (f *apiFixture) doAs(t *testing.T, user, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-User", user)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (f *apiFixture) doJSON(t *testing.T, method, path string, payload any) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = strings.NewReader(string(raw))
	}
	return f.do(t, method, path, body, "application/json")
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// postChat submits a prompt turn and returns the accept response.
func (f *apiFixture) postChat(t *testing.T, form url.Values) (*http.Response, models.StartStreamResponse) {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/chat",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if resp.StatusCode != http.StatusOK {
		return resp, models.StartStreamResponse{}
	}
	return resp, decodeBody[models.StartStreamResponse](t, resp)
}

// waitTerminal polls until the assistant message reaches a terminal state.
func (f *apiFixture) waitTerminal(t *testing.T, messageID uuid.UUID) models.StreamStatus {
	t.Helper()
	var status models.StreamStatus
	require.Eventually(t, func() bool {
		msg, err := f.messages.GetMessage(context.Background(), messageID)
		if err != nil {
			return false
		}
		status = msg.StreamStatus
		return status.IsTerminal()
	}, 15*time.Second, 20*time.Millisecond)
	return status
}
