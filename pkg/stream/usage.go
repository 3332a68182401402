package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/codeready-toolchain/relay/pkg/agent"
	"github.com/codeready-toolchain/relay/pkg/kv"
	"github.com/codeready-toolchain/relay/pkg/models"
)

// pollUsage periodically asks the runner for its context token usage and
// forwards each reading to the consume loop, which folds it into the event
// log as a system event. Runs until ctx is cancelled.
func (rt *runtime) pollUsage(ctx context.Context, out chan<- *models.ContextUsage) {
	ticker := time.NewTicker(rt.e.cfg.UsagePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			usage, ok := rt.refreshUsage(ctx)
			if !ok {
				continue
			}
			select {
			case out <- usage:
			case <-ctx.Done():
				return
			}
		}
	}
}

// refreshUsage reads the runner's current usage and persists it to the
// chat row and the KV cache. Returns ok=false before the agent has
// reported anything.
func (rt *runtime) refreshUsage(ctx context.Context) (*models.ContextUsage, bool) {
	tokens, err := rt.runner.ContextTokenUsage(ctx)
	if err != nil {
		if !errors.Is(err, agent.ErrUsageUnavailable) {
			slog.Warn("Failed to read context usage", "chat_id", rt.chat.ID, "error", err)
		}
		return nil, false
	}
	if tokens <= 0 {
		return nil, false
	}

	usage := &models.ContextUsage{
		ContextTokens: tokens,
		ContextWindow: rt.e.agentCfg.ContextWindow,
	}
	if usage.ContextWindow > 0 {
		pct := float64(tokens) / float64(usage.ContextWindow) * 100
		usage.Percentage = math.Round(pct*100) / 100
	}

	if err := rt.e.deps.Chats.UpdateContextUsage(ctx, rt.chat.ID, tokens); err != nil {
		slog.Warn("Failed to persist context usage", "chat_id", rt.chat.ID, "error", err)
	}
	rt.cacheUsage(ctx, usage)

	return usage, true
}

// cacheUsage stores the latest usage reading so the status endpoint can
// answer without touching the agent. Best effort.
func (rt *runtime) cacheUsage(ctx context.Context, usage *models.ContextUsage) {
	payload, err := json.Marshal(usage)
	if err != nil {
		slog.Warn("Failed to encode context usage", "chat_id", rt.chat.ID, "error", err)
		return
	}
	err = rt.e.rdb.Set(ctx, kv.ContextUsageKey(rt.chat.ID), payload, rt.e.cfg.UsageCacheTTL).Err()
	if err != nil {
		slog.Warn("Failed to cache context usage", "chat_id", rt.chat.ID, "error", err)
	}
}

// usageEventPayload shapes a usage reading as a system event payload.
func usageEventPayload(usage *models.ContextUsage) map[string]any {
	return map[string]any{
		"subtype":        "context_usage",
		"context_tokens": usage.ContextTokens,
		"context_window": usage.ContextWindow,
		"percentage":     usage.Percentage,
	}
}
