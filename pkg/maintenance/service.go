// Package maintenance runs the background upkeep loops: firing due
// scheduled tasks, purging expired refresh tokens, and reaping sandboxes
// no live chat references anymore.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/sandbox"
	"github.com/codeready-toolchain/relay/pkg/scheduler"
	"github.com/codeready-toolchain/relay/pkg/services"
)

// Service supervises the periodic jobs. Every job is idempotent and safe
// to run from multiple pods: task claims use row locks, token cleanup is a
// plain delete, and sandbox reaping tolerates double deletes.
type Service struct {
	config    *config.MaintenanceConfig
	scheduler *scheduler.Runner
	tokens    *services.TokenService
	chats     *services.ChatService
	sandboxes sandbox.Service

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a maintenance service.
func NewService(
	cfg *config.MaintenanceConfig,
	schedRunner *scheduler.Runner,
	tokens *services.TokenService,
	chats *services.ChatService,
	sandboxes sandbox.Service,
) *Service {
	return &Service{
		config:    cfg,
		scheduler: schedRunner,
		tokens:    tokens,
		chats:     chats,
		sandboxes: sandboxes,
	}
}

// Start launches the background loops.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Maintenance service started",
		"scheduled_tasks_interval", s.config.ScheduledTasksInterval,
		"token_cleanup_interval", s.config.TokenCleanupInterval,
		"orphan_cleanup_interval", s.config.OrphanCleanupInterval)
}

// Stop signals the loops to exit and waits for them to finish. In-flight
// scheduled task executions are waited on by the scheduler runner itself.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.scheduler.Stop()
	slog.Info("Maintenance service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	// Each job runs once at startup so a pod restart never delays due work
	// by a full interval.
	s.tickScheduler(ctx)
	s.cleanupTokens(ctx)
	s.cleanupOrphans(ctx)

	schedTicker := time.NewTicker(s.config.ScheduledTasksInterval)
	defer schedTicker.Stop()
	tokenTicker := time.NewTicker(s.config.TokenCleanupInterval)
	defer tokenTicker.Stop()
	orphanTicker := time.NewTicker(s.config.OrphanCleanupInterval)
	defer orphanTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-schedTicker.C:
			s.tickScheduler(ctx)
		case <-tokenTicker.C:
			s.cleanupTokens(ctx)
		case <-orphanTicker.C:
			s.cleanupOrphans(ctx)
		}
	}
}

func (s *Service) tickScheduler(ctx context.Context) {
	s.scheduler.Tick(ctx)
	s.scheduler.Recover(ctx)
}

func (s *Service) cleanupTokens(_ context.Context) {
	count, err := s.tokens.CleanupExpired(context.Background())
	if err != nil {
		slog.Error("Maintenance: token cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Maintenance: purged expired refresh tokens", "count", count)
	}
}

// cleanupOrphans deletes sandboxes the provider holds that no live chat
// references. The provider is listed before the live set, so a chat row
// that lands between the two reads still protects its sandbox.
func (s *Service) cleanupOrphans(ctx context.Context) {
	held, err := s.sandboxes.List(ctx)
	if err != nil {
		slog.Error("Maintenance: sandbox listing failed", "error", err)
		return
	}
	if len(held) == 0 {
		return
	}

	live, err := s.chats.ActiveSandboxIDs(ctx)
	if err != nil {
		slog.Error("Maintenance: active sandbox lookup failed", "error", err)
		return
	}

	removed := 0
	for _, info := range held {
		if _, ok := live[info.ID]; ok {
			continue
		}
		if err := s.sandboxes.Delete(ctx, info.ID); err != nil {
			slog.Warn("Maintenance: sandbox delete failed", "sandbox_id", info.ID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Maintenance: reaped orphaned sandboxes", "count", removed)
	}
}
