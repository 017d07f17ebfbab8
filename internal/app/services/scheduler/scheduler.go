// Package scheduler runs the two time-driven paths the rest of the system
// is otherwise silent about: the Azure describe-all poll (spec §4.A,
// §6 "a periodic describe-all against a subscription") and the daily
// concurrency roll-up (spec §4.F). Both are cron jobs rather than
// goroutine loops so their cadence is declarative and inspectable.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/account"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/run"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/usage"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/queue"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/rollup"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/worker"
	"github.com/openshift-cloudigrade/usage-tracker/pkg/logger"
)

// AccountSource lists enabled Azure accounts to poll.
type AccountSource interface {
	EnabledByCloudType(ctx context.Context, cloudType cloudtype.Type) ([]account.Account, error)
}

// RollupStore is the persistence seam the daily roll-up job needs.
type RollupStore interface {
	ActiveUsersOnDay(ctx context.Context, dayStart, dayEnd time.Time) ([]string, error)
	RunsForUserOnDay(ctx context.Context, appUser string, dayStart, dayEnd time.Time) ([]rollup.RunView, error)
	SaveConcurrentUsage(ctx context.Context, appUser string, day time.Time, rhel, openshift usage.Totals) error
}

// Scheduler owns a cron.Cron driving the Azure poll and daily roll-up jobs.
type Scheduler struct {
	cron *cron.Cron
	log  *logger.Logger

	accounts     AccountSource
	azureDescribe account.CloudAccountOps
	eventQueue   *queue.Queue

	rollupStore RollupStore
	location    *time.Location
}

// Config bundles Scheduler's collaborators and cron expressions.
type Config struct {
	Accounts      AccountSource
	AzureDescribe account.CloudAccountOps
	EventQueue    *queue.Queue
	RollupStore   RollupStore
	Location      *time.Location
	Logger        *logger.Logger

	// AzurePollSpec is a standard 5-field cron expression, default
	// "*/5 * * * *" (every five minutes).
	AzurePollSpec string
	// RollupSpec is a standard 5-field cron expression, default
	// "7 0 * * *" (just after local midnight).
	RollupSpec string
}

// New builds a Scheduler. Jobs are registered but not started until Start.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.AzurePollSpec == "" {
		cfg.AzurePollSpec = "*/5 * * * *"
	}
	if cfg.RollupSpec == "" {
		cfg.RollupSpec = "7 0 * * *"
	}

	s := &Scheduler{
		cron:          cron.New(),
		log:           cfg.Logger,
		accounts:      cfg.Accounts,
		azureDescribe: cfg.AzureDescribe,
		eventQueue:    cfg.EventQueue,
		rollupStore:   cfg.RollupStore,
		location:      cfg.Location,
	}

	if s.accounts != nil && s.azureDescribe != nil && s.eventQueue != nil {
		if _, err := s.cron.AddFunc(cfg.AzurePollSpec, s.pollAzure); err != nil {
			return nil, fmt.Errorf("scheduler: register azure poll: %w", err)
		}
	}
	if s.rollupStore != nil {
		if _, err := s.cron.AddFunc(cfg.RollupSpec, s.runRollup); err != nil {
			return nil, fmt.Errorf("scheduler: register rollup: %w", err)
		}
	}

	return s, nil
}

// Name satisfies system.Service.
func (s *Scheduler) Name() string { return "scheduler" }

// Start satisfies system.Service.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	return nil
}

// Stop satisfies system.Service: waits for any in-flight job to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// pollAzure describes every enabled Azure account and enqueues one
// synthetic power event per visible VM (spec §4.A): the reconciler treats
// these exactly like CloudTrail-derived events.
func (s *Scheduler) pollAzure() {
	ctx := context.Background()
	accounts, err := s.accounts.EnabledByCloudType(ctx, cloudtype.Azure)
	if err != nil {
		s.logf("list azure accounts: %v", err)
		return
	}

	for _, acct := range accounts {
		byRegion, err := s.azureDescribe.DescribeAll(ctx, acct)
		if err != nil {
			s.logf("describe-all for azure account %s: %v", acct.CloudAccountID, err)
			continue
		}
		now := time.Now().UTC()
		for region, snapshots := range byRegion {
			for _, snap := range snapshots {
				eventType := run.EventPowerOff
				if snap.Running {
					eventType = run.EventPowerOn
				}
				payload := worker.InstanceEventPayload{
					CloudType:       string(cloudtype.Azure),
					CloudInstanceID: snap.CloudInstanceID,
					Region:          region,
					AccountID:       acct.ID,
					Event: run.Event{
						OccurredAt:   now,
						Type:         eventType,
						InstanceType: snap.InstanceType,
						ImageRef:     snap.ImageRef,
					},
				}
				key := acct.ID + "/" + snap.CloudInstanceID
				if err := s.eventQueue.Send(ctx, key, queue.KindInstanceEvent, payload); err != nil {
					s.logf("enqueue azure poll event for %s: %v", key, err)
				}
			}
		}
	}
}

// runRollup computes yesterday's peak concurrency for every user with at
// least one run overlapping that day (spec §4.F), in the configured
// default timezone.
func (s *Scheduler) runRollup() {
	ctx := context.Background()
	now := time.Now().In(s.location)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location).AddDate(0, 0, -1)
	dayEnd := dayStart.AddDate(0, 0, 1)

	users, err := s.rollupStore.ActiveUsersOnDay(ctx, dayStart, dayEnd)
	if err != nil {
		s.logf("list active users: %v", err)
		return
	}

	for _, user := range users {
		views, err := s.rollupStore.RunsForUserOnDay(ctx, user, dayStart, dayEnd)
		if err != nil {
			s.logf("load runs for %s: %v", user, err)
			continue
		}
		rhel, openshift := rollup.Compute(dayStart, dayEnd, views)
		if err := s.rollupStore.SaveConcurrentUsage(ctx, user, dayStart, rhel, openshift); err != nil {
			s.logf("save concurrent usage for %s: %v", user, err)
		}
	}
}

func (s *Scheduler) logf(format string, args ...interface{}) {
	if s.log == nil {
		return
	}
	s.log.Infof(format, args...)
}
