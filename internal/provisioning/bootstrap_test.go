package provisioning

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapToken_RoundTrip(t *testing.T) {
	tenantID := uuid.New()
	token, hash, err := NewBootstrapToken(tenantID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "bt_"))
	assert.NotContains(t, hash, token)

	parsedTenant, secret, err := ParseBootstrapToken(token)
	require.NoError(t, err)
	assert.Equal(t, tenantID, parsedTenant)

	expires := time.Now().Add(time.Hour)
	assert.NoError(t, checkBootstrapSecret(hash, &expires, secret, time.Now()))
	assert.ErrorIs(t, checkBootstrapSecret(hash, &expires, strings.Repeat("0", 64), time.Now()), ErrInvalidBootstrapToken)
	assert.ErrorIs(t, checkBootstrapSecret(hash, &expires, secret, expires.Add(time.Second)), ErrInvalidBootstrapToken)
	assert.ErrorIs(t, checkBootstrapSecret("", &expires, secret, time.Now()), ErrInvalidBootstrapToken)
	assert.ErrorIs(t, checkBootstrapSecret(hash, nil, secret, time.Now()), ErrInvalidBootstrapToken)
}

func TestParseBootstrapToken_Malformed(t *testing.T) {
	for _, token := range []string{
		"",
		"bt_",
		"pk_" + strings.Repeat("a", 32) + "_" + strings.Repeat("b", 64),
		"bt_nothex_" + strings.Repeat("b", 64),
		"bt_" + strings.Repeat("a", 32) + "_short",
	} {
		_, _, err := ParseBootstrapToken(token)
		assert.ErrorIs(t, err, ErrInvalidBootstrapToken, token)
	}
}

func TestRegistry_OneRunPerDevice(t *testing.T) {
	r := NewRegistry()
	tenantID, deviceID := uuid.New(), uuid.New()

	first := newRun(context.Background(), tenantID, deviceID, "edge", StageAwaitingTunnel)
	second := newRun(context.Background(), tenantID, deviceID, "edge", StageAwaitingTunnel)

	require.NoError(t, r.Register(first))
	assert.ErrorIs(t, r.Register(second), ErrRunInProgress)

	r.Remove(second)
	got, ok := r.Get(deviceID)
	require.True(t, ok)
	assert.Same(t, first, got)

	r.Remove(first)
	assert.Equal(t, 0, r.Count())
}

func TestRun_CancelFreezesStage(t *testing.T) {
	run := newRun(context.Background(), uuid.New(), uuid.New(), "edge", StageAwaitingTunnel)
	run.enter(StageIdentity)
	run.enter(StageAwaitingTunnel)

	run.Cancel()

	assert.Error(t, run.Context().Err())
	assert.True(t, run.Cancelled())
	snap := run.Snapshot()
	assert.Equal(t, StageAwaitingTunnel, snap.Stage)
	assert.Equal(t, OutcomeCancelled, snap.Outcome)
	assert.Len(t, snap.History, 2)
}

func TestWorkerPool_QueueFull(t *testing.T) {
	block := make(chan struct{})
	handled := make(chan uuid.UUID, 4)
	pool := NewWorkerPool(1, 1, func(run *Run) {
		<-block
		handled <- run.DeviceID
	})
	pool.Start()

	runs := make([]*Run, 3)
	for i := range runs {
		runs[i] = newRun(pool.Context(), uuid.New(), uuid.New(), "edge", StageAwaitingTunnel)
	}

	require.NoError(t, pool.Submit(runs[0]))
	require.Eventually(t, func() bool { return len(pool.jobs) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(runs[1]))
	assert.ErrorIs(t, pool.Submit(runs[2]), ErrQueueFull)

	close(block)
	assert.Equal(t, runs[0].DeviceID, <-handled)
	assert.Equal(t, runs[1].DeviceID, <-handled)

	require.NoError(t, pool.Stop(context.Background()))
	assert.ErrorIs(t, pool.Submit(runs[2]), ErrStopped)
}

func TestBoltArchive(t *testing.T) {
	archive, err := OpenBoltArchive(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer archive.Close()

	acme, globex := uuid.New(), uuid.New()
	deviceID := uuid.New()
	finished := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, archive.Put(Status{
		RunID:      uuid.New(),
		TenantID:   acme,
		DeviceID:   deviceID,
		Stage:      StageFailed,
		Outcome:    OutcomeFailed,
		Error:      "tenant address pool exhausted",
		FinishedAt: &finished,
	}))

	got, err := archive.Get(acme, deviceID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, got.Outcome)
	assert.Equal(t, finished, got.FinishedAt.UTC())

	_, err = archive.Get(globex, deviceID)
	assert.ErrorIs(t, err, ErrRunNotFound)

	list, err := archive.List(acme)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, archive.DeleteTenant(acme))
	require.NoError(t, archive.DeleteTenant(acme))
	_, err = archive.Get(acme, deviceID)
	assert.ErrorIs(t, err, ErrRunNotFound)
}
