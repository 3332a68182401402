package api

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/agent"
	"github.com/codeready-toolchain/relay/pkg/kv"
	"github.com/codeready-toolchain/relay/pkg/models"
)

func promptForm(prompt string) url.Values {
	return url.Values{"prompt": {prompt}}
}

func TestPostChat_CreatesChatAndStreams(t *testing.T) {
	f := setupAPI(t)
	f.agents.Enqueue(agent.NewScriptedRunner(
		agent.TextEvent("hello"),
		agent.TextEvent("world"),
	))

	resp, accepted := f.postChat(t, promptForm("say hello\nplease"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEqual(t, uuid.Nil, accepted.ChatID)
	assert.Equal(t, int64(0), accepted.LastSeq)

	status := f.waitTerminal(t, accepted.MessageID)
	assert.Equal(t, models.StreamStatusCompleted, status)

	// Title comes from the prompt's first line.
	chat, err := f.chats.GetChat(context.Background(), accepted.ChatID)
	require.NoError(t, err)
	assert.Equal(t, "say hello", chat.Title)
	assert.Greater(t, chat.LastEventSeq, int64(0))

	listResp := f.do(t, http.MethodGet, "/api/v1/chats", nil, "")
	list := decodeBody[models.ChatListResponse](t, listResp)
	require.Len(t, list.Chats, 1)
	assert.Equal(t, accepted.ChatID, list.Chats[0].ID)
}

func TestPostChat_MissingPrompt(t *testing.T) {
	f := setupAPI(t)

	resp, _ := f.postChat(t, url.Values{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostChat_InvalidPermissionMode(t *testing.T) {
	f := setupAPI(t)

	form := promptForm("hi")
	form.Set("permission_mode", "yolo")
	resp, _ := f.postChat(t, form)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostChat_ActiveStreamConflict(t *testing.T) {
	f := setupAPI(t)
	runner := agent.NewScriptedRunner(agent.TextEvent("working"))
	runner.HoldOpen = true
	f.agents.Enqueue(runner)

	resp, accepted := f.postChat(t, promptForm("long task"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		task, err := f.engine.ActiveTask(context.Background(), accepted.ChatID)
		return err == nil && task != nil
	}, 5*time.Second, 20*time.Millisecond)

	form := promptForm("second prompt")
	form.Set("chat_id", accepted.ChatID.String())
	conflict, _ := f.postChat(t, form)
	defer conflict.Body.Close()
	assert.Equal(t, http.StatusConflict, conflict.StatusCode)

	cancelResp := f.do(t, http.MethodDelete, "/api/v1/chats/"+accepted.ChatID.String()+"/stream", nil, "")
	cancelResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, cancelResp.StatusCode)

	status := f.waitTerminal(t, accepted.MessageID)
	assert.Equal(t, models.StreamStatusInterrupted, status)
}

func TestGetStreamStatus(t *testing.T) {
	f := setupAPI(t)
	runner := agent.NewScriptedRunner(agent.TextEvent("busy"))
	runner.HoldOpen = true
	f.agents.Enqueue(runner)

	resp, accepted := f.postChat(t, promptForm("work"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	statusPath := "/api/v1/chats/" + accepted.ChatID.String() + "/status"

	require.Eventually(t, func() bool {
		r := f.do(t, http.MethodGet, statusPath, nil, "")
		return decodeBody[models.StreamStatusResponse](t, r).HasActiveTask
	}, 5*time.Second, 20*time.Millisecond)

	r := f.do(t, http.MethodGet, statusPath, nil, "")
	status := decodeBody[models.StreamStatusResponse](t, r)
	require.NotNil(t, status.MessageID)
	assert.Equal(t, accepted.MessageID, *status.MessageID)

	f.do(t, http.MethodDelete, "/api/v1/chats/"+accepted.ChatID.String()+"/stream", nil, "").Body.Close()
	f.waitTerminal(t, accepted.MessageID)

	require.Eventually(t, func() bool {
		r := f.do(t, http.MethodGet, statusPath, nil, "")
		return !decodeBody[models.StreamStatusResponse](t, r).HasActiveTask
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGetChat_ReturnsMessages(t *testing.T) {
	f := setupAPI(t)
	f.agents.Enqueue(agent.NewScriptedRunner(agent.TextEvent("answer")))

	resp, accepted := f.postChat(t, promptForm("question"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f.waitTerminal(t, accepted.MessageID)

	r := f.do(t, http.MethodGet, "/api/v1/chats/"+accepted.ChatID.String(), nil, "")
	body := decodeBody[struct {
		Chat     *models.Chat                    `json:"chat"`
		Messages *models.CursorPaginatedMessages `json:"messages"`
	}](t, r)
	require.NotNil(t, body.Chat)
	assert.Equal(t, accepted.ChatID, body.Chat.ID)
	require.NotNil(t, body.Messages)
	// One user turn plus one assistant turn.
	assert.Len(t, body.Messages.Items, 2)
}

func TestGetChat_OtherUserForbidden(t *testing.T) {
	f := setupAPI(t)
	f.agents.Enqueue(agent.NewScriptedRunner())

	resp, accepted := f.postChat(t, promptForm("mine"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	r := f.doAs(t, "intruder@example.com", http.MethodGet, "/api/v1/chats/"+accepted.ChatID.String(), nil, "")
	defer r.Body.Close()
	assert.Equal(t, http.StatusForbidden, r.StatusCode)
}

func TestDeleteChat_ReleasesSandbox(t *testing.T) {
	f := setupAPI(t)
	f.agents.Enqueue(agent.NewScriptedRunner(agent.TextEvent("done")))

	resp, accepted := f.postChat(t, promptForm("delete me"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f.waitTerminal(t, accepted.MessageID)

	chat, err := f.chats.GetChat(context.Background(), accepted.ChatID)
	require.NoError(t, err)
	require.NotNil(t, chat.SandboxID)

	r := f.do(t, http.MethodDelete, "/api/v1/chats/"+accepted.ChatID.String(), nil, "")
	r.Body.Close()
	require.Equal(t, http.StatusNoContent, r.StatusCode)

	assert.Contains(t, f.sandboxes.Deleted(), *chat.SandboxID)

	gone := f.do(t, http.MethodGet, "/api/v1/chats/"+accepted.ChatID.String(), nil, "")
	defer gone.Body.Close()
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestForkChat(t *testing.T) {
	f := setupAPI(t)
	f.agents.Enqueue(agent.NewScriptedRunner(agent.TextEvent("original answer")))

	resp, accepted := f.postChat(t, promptForm("fork source"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f.waitTerminal(t, accepted.MessageID)

	r := f.doJSON(t, http.MethodPost, "/api/v1/chats/"+accepted.ChatID.String()+"/fork",
		map[string]string{"message_id": accepted.MessageID.String()})
	require.Equal(t, http.StatusCreated, r.StatusCode)
	fork := decodeBody[models.ForkChatResponse](t, r)
	require.NotNil(t, fork.Chat)
	assert.NotEqual(t, accepted.ChatID, fork.Chat.ID)
	assert.Equal(t, 2, fork.MessagesCopied)
}

func TestGetContextUsage_NotRecorded(t *testing.T) {
	f := setupAPI(t)
	f.agents.Enqueue(agent.NewScriptedRunner())

	resp, accepted := f.postChat(t, promptForm("no usage"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f.waitTerminal(t, accepted.MessageID)
	f.kvc.Redis().Del(context.Background(), kv.ContextUsageKey(accepted.ChatID))

	r := f.do(t, http.MethodGet, "/api/v1/chats/"+accepted.ChatID.String()+"/context-usage", nil, "")
	defer r.Body.Close()
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "one", firstLine("one\ntwo"))
	assert.Equal(t, "short", firstLine("short"))
	long := make([]rune, 0, 120)
	for i := 0; i < 120; i++ {
		long = append(long, 'é')
	}
	assert.Len(t, []rune(firstLine(string(long))), 80)
}
