package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ivfzhou/cron/v3"
	"github.com/lgulliver/chunkstone/internal/chunks"
	"github.com/lgulliver/chunkstone/internal/session"
	"github.com/lgulliver/chunkstone/pkg/types"
	"github.com/rs/zerolog/log"
)

const (
	sweepLockKey  = "chunkstone:gc:sweep"
	sweepLockTTL  = 5 * time.Minute
	sweepDeadline = 4 * time.Minute
)

// RunLocker grants a cluster-wide lease so only one instance sweeps at a time.
// A nil release function means somebody else holds the lease.
type RunLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// SweepReport summarizes one sweep
type SweepReport struct {
	Expired  int
	Retired  int
	Orphaned int
}

// GarbageCollector reclaims chunk bytes and session metadata
type GarbageCollector struct {
	sessions          session.Store
	chunks            chunks.Store
	locks             *keyedLocks
	sessionTTL        time.Duration
	terminalRetention time.Duration
	schedule          string
	runLock           RunLocker
	now               func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// PurgeChunks removes every chunk byte of a session
func (gc *GarbageCollector) PurgeChunks(ctx context.Context, id string) error {
	if err := gc.chunks.DeleteAll(ctx, id); err != nil {
		return fmt.Errorf("failed to purge chunks of %s: %w", id, err)
	}
	return nil
}

// PurgeSession removes chunk bytes first and then the session metadata, so
// metadata never outlives a failed byte purge
func (gc *GarbageCollector) PurgeSession(ctx context.Context, id string) error {
	if err := gc.PurgeChunks(ctx, id); err != nil {
		return err
	}
	if err := gc.sessions.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// Sweep deletes idle sessions older than the session TTL, terminal sessions
// older than the retention period and chunk bytes that no longer belong to
// an active session. Sessions that are completing are never touched.
func (gc *GarbageCollector) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := gc.now().UTC()

	if gc.sessionTTL > 0 {
		n, err := gc.sweepStatuses(ctx, now.Add(-gc.sessionTTL), types.StatusUploading, types.StatusFailed)
		report.Expired = n
		if err != nil {
			return report, err
		}
	}

	n, err := gc.sweepStatuses(ctx, now.Add(-gc.terminalRetention), types.StatusCompleted, types.StatusCancelled)
	report.Retired = n
	if err != nil {
		return report, err
	}

	report.Orphaned, err = gc.sweepOrphans(ctx)
	if err != nil {
		return report, err
	}

	if report != (SweepReport{}) {
		log.Info().
			Int("expired", report.Expired).
			Int("retired", report.Retired).
			Int("orphaned", report.Orphaned).
			Msg("upload sweep finished")
	}
	return report, nil
}

func (gc *GarbageCollector) sweepStatuses(ctx context.Context, cutoff time.Time, statuses ...types.UploadStatus) (int, error) {
	candidates, err := gc.sessions.List(ctx, session.Filter{Statuses: statuses, UpdatedBefore: cutoff})
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, c := range candidates {
		ok, err := gc.purgeIfStill(ctx, c.ID, cutoff, statuses)
		if err != nil {
			log.Error().Err(err).Str("session_id", c.ID).Msg("failed to purge session")
			continue
		}
		if ok {
			purged++
		}
	}
	return purged, nil
}

// purgeIfStill re-reads the session under its lock so a session that was
// touched after listing survives
func (gc *GarbageCollector) purgeIfStill(ctx context.Context, id string, cutoff time.Time, statuses []types.UploadStatus) (bool, error) {
	unlock := gc.locks.Lock(id)
	defer unlock()

	s, err := gc.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !(session.Filter{Statuses: statuses, UpdatedBefore: cutoff}).Matches(s) {
		return false, nil
	}

	if err := gc.PurgeSession(ctx, id); err != nil {
		return false, err
	}
	log.Info().Str("session_id", id).Str("status", string(s.Status)).Msg("purged stale upload session")
	return true, nil
}

func (gc *GarbageCollector) sweepOrphans(ctx context.Context) (int, error) {
	ids, err := gc.chunks.Sessions(ctx)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, id := range ids {
		orphan, err := gc.purgeOrphan(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("failed to purge orphaned chunks")
			continue
		}
		if orphan {
			purged++
		}
	}
	return purged, nil
}

func (gc *GarbageCollector) purgeOrphan(ctx context.Context, id string) (bool, error) {
	unlock := gc.locks.Lock(id)
	defer unlock()

	s, err := gc.sessions.Get(ctx, id)
	switch {
	case errors.Is(err, session.ErrNotFound):
	case err != nil:
		return false, err
	case s.Status.IsTerminal():
	default:
		return false, nil
	}

	if err := gc.PurgeChunks(ctx, id); err != nil {
		return false, err
	}
	log.Info().Str("session_id", id).Msg("purged orphaned chunks")
	return true, nil
}

// Start schedules Sweep on the configured cron expression. An empty
// schedule disables the periodic sweep.
func (gc *GarbageCollector) Start() error {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	if gc.schedule == "" || gc.cron != nil {
		return nil
	}

	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(gc.schedule, gc.runScheduled); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", gc.schedule, err)
	}
	go c.Run()
	gc.cron = c

	log.Info().Str("schedule", gc.schedule).Msg("upload sweep scheduled")
	return nil
}

// Stop cancels the periodic sweep
func (gc *GarbageCollector) Stop() {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	if gc.cron != nil {
		gc.cron.Stop()
		gc.cron = nil
	}
}

func (gc *GarbageCollector) runScheduled(runTime time.Time) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("upload sweep panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sweepDeadline)
	defer cancel()

	if gc.runLock != nil {
		release, err := gc.runLock.TryLock(ctx, sweepLockKey, sweepLockTTL)
		if err != nil {
			log.Error().Err(err).Msg("failed to acquire sweep lock")
			return
		}
		if release == nil {
			log.Debug().Time("run_time", runTime).Msg("sweep already running elsewhere")
			return
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				log.Warn().Err(err).Msg("failed to release sweep lock")
			}
		}()
	}

	if _, err := gc.Sweep(ctx); err != nil {
		log.Error().Err(err).Msg("upload sweep failed")
	}
}
