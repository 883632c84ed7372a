package cron

import (
	"context"
	"sync"

	cronv3 "github.com/robfig/cron/v3"

	"github.com/mailwell/mailmirror/config"
	"github.com/mailwell/mailmirror/internal/logger"
	"github.com/mailwell/mailmirror/internal/repository"
	"github.com/mailwell/mailmirror/internal/tracing"
	"github.com/mailwell/mailmirror/services/orchestrator"
)

// syncJobLock keeps the batch pass and the cleanup job from overlapping;
// cleanup must not delete state a running pass is about to write.
var syncJobLock sync.Mutex

type CronManager struct {
	cfg          *config.Config
	log          logger.Logger
	cron         *cronv3.Cron
	orchestrator *orchestrator.Orchestrator
	repositories *repository.Repositories
	jobIDs       map[string]cronv3.EntryID
}

func NewCronManager(cfg *config.Config, log logger.Logger, orch *orchestrator.Orchestrator, repos *repository.Repositories) *CronManager {
	return &CronManager{
		cfg:          cfg,
		log:          log,
		orchestrator: orch,
		repositories: repos,
		jobIDs:       map[string]cronv3.EntryID{},
	}
}

// Start initializes and starts the cron scheduler. Cross-instance exclusion
// comes from the per-mailbox database lease, so every instance may schedule.
func (cm *CronManager) Start() {
	cm.log.Info("Starting cron manager")
	c := cronv3.New(
		cronv3.WithChain(
			cronv3.SkipIfStillRunning(cronv3.DefaultLogger),
			cronv3.Recover(cronv3.DefaultLogger),
		),
	)
	cm.registerJobs(c)
	c.Start()
	cm.cron = c
}

// Stop gracefully stops the scheduler and waits for running jobs.
func (cm *CronManager) Stop() {
	if cm.cron == nil {
		return
	}
	cm.log.Info("Stopping cron manager")
	ctx := cm.cron.Stop()
	<-ctx.Done()
}

func (cm *CronManager) registerJobs(c *cronv3.Cron) {
	if cm.cfg.SyncConfig.BatchSyncCron != "" {
		id, err := c.AddFunc(cm.cfg.SyncConfig.BatchSyncCron, func() {
			defer tracing.RecoverAndLogToJaeger(cm.log)
			syncJobLock.Lock()
			defer syncJobLock.Unlock()
			cm.runBatchSync()
		})
		if err != nil {
			cm.log.Fatalf("Could not add batch sync cron job: %v", err)
		}
		cm.jobIDs["batch_sync"] = id
		cm.log.Infof("Registered batch sync job with schedule: %s", cm.cfg.SyncConfig.BatchSyncCron)
	}

	if cm.cfg.SyncConfig.CleanupCron != "" {
		id, err := c.AddFunc(cm.cfg.SyncConfig.CleanupCron, func() {
			defer tracing.RecoverAndLogToJaeger(cm.log)
			syncJobLock.Lock()
			defer syncJobLock.Unlock()
			cm.cleanupOrphanedSyncStates()
		})
		if err != nil {
			cm.log.Fatalf("Could not add cleanup cron job: %v", err)
		}
		cm.jobIDs["sync_state_cleanup"] = id
		cm.log.Infof("Registered sync state cleanup job with schedule: %s", cm.cfg.SyncConfig.CleanupCron)
	}
}

func (cm *CronManager) runBatchSync() {
	ctx := context.Background()

	span, ctx := tracing.StartTracerSpan(ctx, "CronManager.runBatchSync")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	if err := cm.orchestrator.RunPass(ctx); err != nil {
		tracing.TraceErr(span, err)
		cm.log.Errorf("Batch sync pass failed: %v", err)
		return
	}
	cm.log.Info("Batch sync pass completed")
}

// cleanupOrphanedSyncStates drops folder sync state belonging to mailboxes
// that were deleted or deactivated.
func (cm *CronManager) cleanupOrphanedSyncStates() {
	ctx := context.Background()

	span, ctx := tracing.StartTracerSpan(ctx, "CronManager.cleanupOrphanedSyncStates")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	mailboxes, err := cm.repositories.MailboxRepository.GetActiveMailboxes(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		cm.log.Errorf("Failed to list active mailboxes: %v", err)
		return
	}
	active := make(map[string]struct{}, len(mailboxes))
	for _, mailbox := range mailboxes {
		active[mailbox.ID] = struct{}{}
	}

	states, err := cm.repositories.SyncStateRepository.GetAllSyncStates(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		cm.log.Errorf("Failed to list sync states: %v", err)
		return
	}

	removed := 0
	for _, state := range states {
		if _, ok := active[state.MailboxID]; ok {
			continue
		}
		if err := cm.repositories.SyncStateRepository.DeleteMailboxSyncStates(ctx, state.MailboxID); err != nil {
			tracing.TraceErr(span, err)
			cm.log.Errorf("Failed to delete sync states for mailbox %s: %v", state.MailboxID, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		cm.log.Infof("Removed sync state for %d orphaned mailboxes", removed)
	}
}
