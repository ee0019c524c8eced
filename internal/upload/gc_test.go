package upload

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lgulliver/chunkstone/internal/common"
	"github.com/lgulliver/chunkstone/internal/session"
	"github.com/lgulliver/chunkstone/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep_ExpiresIdleSessions(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	id := env.init(t, 3)
	env.put(t, id, 0, "a")

	env.clock.Advance(25 * time.Hour)
	report, err := env.manager.Collector().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Expired: 1}, report)

	_, err = env.manager.GetStatus(ctx, id)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.Empty(t, env.chunkPaths(t, id))
}

func TestSweep_ExpiresFailedSessions(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	id := env.init(t, 1)
	env.put(t, id, 0, "a")

	env.objects.setFail(errors.New("down"))
	_, err := env.manager.CompleteUpload(ctx, id)
	require.Error(t, err)

	env.clock.Advance(25 * time.Hour)
	report, err := env.manager.Collector().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Empty(t, env.chunkPaths(t, id))
}

func TestSweep_KeepsRecentSessions(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	id := env.init(t, 2)
	env.put(t, id, 0, "a")

	env.clock.Advance(time.Hour)
	report, err := env.manager.Collector().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)

	snap, err := env.manager.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Progress.ReceivedCount)
	assert.Len(t, env.chunkPaths(t, id), 1)
}

func TestSweep_NeverTouchesCompletingSessions(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	id := env.init(t, 1)
	env.put(t, id, 0, "a")

	_, err := env.sessions.Transition(ctx, id, session.Transition{
		From: []types.UploadStatus{types.StatusUploading},
		To:   types.StatusCompleting,
	})
	require.NoError(t, err)

	env.clock.Advance(1000 * time.Hour)
	report, err := env.manager.Collector().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)

	snap, err := env.manager.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleting, snap.Session.Status)
	assert.Len(t, env.chunkPaths(t, id), 1)
}

func TestSweep_RetiresTerminalSessions(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	completed := env.init(t, 1)
	env.put(t, completed, 0, "a")
	_, err := env.manager.CompleteUpload(ctx, completed)
	require.NoError(t, err)

	cancelled := env.init(t, 1)
	require.NoError(t, env.manager.CancelUpload(ctx, cancelled))

	// inside the retention window both remain visible
	env.clock.Advance(30 * time.Minute)
	report, err := env.manager.Collector().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Retired)

	env.clock.Advance(time.Hour)
	report, err = env.manager.Collector().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Retired)

	for _, id := range []string{completed, cancelled} {
		_, err := env.manager.GetStatus(ctx, id)
		assert.True(t, errors.Is(err, ErrSessionNotFound))
	}
}

func TestSweep_RemovesOrphanedChunks(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	_, err := env.chunks.Put(ctx, "ghost", 0, strings.NewReader("left behind"))
	require.NoError(t, err)
	_, err = env.chunks.Put(ctx, "ghost", 3, strings.NewReader("left behind"))
	require.NoError(t, err)

	live := env.init(t, 1)
	env.put(t, live, 0, "keep")

	report, err := env.manager.Collector().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Orphaned: 1}, report)

	ids, err := env.chunks.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{live}, ids)
}

func TestSweep_RemovesChunksOfTerminalSessions(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	id := env.init(t, 1)
	require.NoError(t, env.manager.CancelUpload(ctx, id))

	// a write that lost the race with cancel and was never cleaned up
	_, err := env.chunks.Put(ctx, id, 0, strings.NewReader("stray"))
	require.NoError(t, err)

	report, err := env.manager.Collector().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Orphaned)
	assert.Empty(t, env.chunkPaths(t, id))
}

func TestSweep_ZeroSessionTTLDisablesExpiry(t *testing.T) {
	env := setupEnv(t, func(o *Options) { o.SessionTTL = 0 })
	ctx := context.Background()
	id := env.init(t, 2)

	env.clock.Advance(1000 * time.Hour)
	report, err := env.manager.Collector().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Expired)

	_, err = env.manager.GetStatus(ctx, id)
	assert.NoError(t, err)
}

func TestRunScheduled_RespectsRunLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cache := common.NewCacheWithClient(client)

	env := setupEnv(t, func(o *Options) { o.RunLock = cache })
	ctx := context.Background()
	id := env.init(t, 1)
	env.clock.Advance(25 * time.Hour)

	// another instance holds the sweep lease
	release, err := cache.TryLock(ctx, sweepLockKey, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, release)

	env.manager.Collector().runScheduled(time.Now())
	_, err = env.manager.GetStatus(ctx, id)
	require.NoError(t, err, "sweep must not run while the lease is held")

	require.NoError(t, release(ctx))

	env.manager.Collector().runScheduled(time.Now())
	_, err = env.manager.GetStatus(ctx, id)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.False(t, mr.Exists(sweepLockKey), "lease is released after the sweep")
}

func TestGarbageCollector_StartStop(t *testing.T) {
	env := setupEnv(t, func(o *Options) { o.SweepSchedule = "0 0 * * * *" })
	gc := env.manager.Collector()

	require.NoError(t, gc.Start())
	require.NoError(t, gc.Start(), "second start is a no-op")
	gc.Stop()
	gc.Stop()

	disabled := setupEnv(t, func(o *Options) { o.SweepSchedule = "" })
	require.NoError(t, disabled.manager.Collector().Start())

	invalid := setupEnv(t, func(o *Options) { o.SweepSchedule = "every tuesday" })
	err := invalid.manager.Collector().Start()
	assert.ErrorContains(t, err, "invalid sweep schedule")
}
