package provisioning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-overlay/internal/connectivity"
	"github.com/EternisAI/silo-overlay/internal/events"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []events.Notification
}

func (p *recordingPublisher) Publish(n events.Notification) {
	p.mu.Lock()
	p.sent = append(p.sent, n)
	p.mu.Unlock()
}

func TestObserver_TracksAttemptsAndLatency(t *testing.T) {
	pub := &recordingPublisher{}
	o := &Orchestrator{publisher: pub}
	run := newRun(context.Background(), uuid.New(), uuid.New(), "edge", StageIdentity)
	observe := o.observer(run)

	observe(connectivity.Observation{State: connectivity.StateChecking, Attempt: 2, MaxAttempts: 5})
	observe(connectivity.Observation{State: connectivity.StateVerified, Attempt: 2, MaxAttempts: 5, Latency: 1500 * time.Microsecond})

	s := run.Snapshot()
	assert.Equal(t, 2, s.Attempt)
	assert.Equal(t, 5, s.MaxAttempts)
	assert.InDelta(t, 1.5, s.LatencyMs, 0.0001)
	assert.Len(t, pub.sent, 2)
}

func TestObserver_SilentOnceCancelled(t *testing.T) {
	pub := &recordingPublisher{}
	o := &Orchestrator{publisher: pub}
	run := newRun(context.Background(), uuid.New(), uuid.New(), "edge", StageIdentity)
	observe := o.observer(run)

	observe(connectivity.Observation{State: connectivity.StateChecking, Attempt: 1, MaxAttempts: 3})
	run.Cancel()
	observe(connectivity.Observation{State: connectivity.StateChecking, Attempt: 2, MaxAttempts: 3})
	observe(connectivity.Observation{State: connectivity.StateVerified, Attempt: 2, MaxAttempts: 3, Latency: time.Millisecond})

	assert.Len(t, pub.sent, 1)
	s := run.Snapshot()
	assert.Equal(t, 1, s.Attempt)
	assert.Zero(t, s.LatencyMs)
}
