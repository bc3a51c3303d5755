package connectivity

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-overlay/internal/devicerpc"
	"github.com/EternisAI/silo-overlay/internal/events"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type scriptedProber struct {
	mu        sync.Mutex
	calls     int
	respondOn int
	err       error
	onProbe   func(call int)
}

func (p *scriptedProber) Probe(ctx context.Context, _ netip.Addr) (*devicerpc.ProbeResult, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()

	if p.onProbe != nil {
		p.onProbe(call)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.respondOn > 0 && call >= p.respondOn {
		return &devicerpc.ProbeResult{Latency: 12 * time.Millisecond}, nil
	}
	return nil, devicerpc.ErrDeviceUnreachable
}

func (p *scriptedProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) MarkVerified(ctx context.Context, target Target, latency time.Duration, handshakeAt *time.Time) error {
	args := m.Called(ctx, target, latency, handshakeAt)
	return args.Error(0)
}

func (m *MockRecorder) MarkFailed(ctx context.Context, target Target, reason string) error {
	args := m.Called(ctx, target, reason)
	return args.Error(0)
}

type staticHandshakes struct {
	at  time.Time
	err error
}

func (s staticHandshakes) LatestHandshake(_, _ string) (time.Time, error) {
	return s.at, s.err
}

type observations struct {
	mu   sync.Mutex
	list []Observation
}

func (o *observations) observe(obs Observation) {
	o.mu.Lock()
	o.list = append(o.list, obs)
	o.mu.Unlock()
}

func (o *observations) count(state State) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, obs := range o.list {
		if obs.State == state {
			n++
		}
	}
	return n
}

func (o *observations) last() Observation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.list[len(o.list)-1]
}

var fastConfig = Config{Interval: time.Millisecond, MaxAttempts: 10, ProbeTimeout: 100 * time.Millisecond}

func testTarget() Target {
	return Target{
		TenantID:      uuid.New(),
		DeviceID:      uuid.New(),
		PeerID:        uuid.New(),
		ClientIP:      netip.MustParseAddr("10.100.1.1"),
		Interface:     "wg0",
		PeerPublicKey: "peer-public-key",
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 2*time.Second, cfg.Interval)
	assert.Equal(t, 60, cfg.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 3*time.Minute, cfg.HandshakeMaxAge)
}

func TestVerify_NeverResponds(t *testing.T) {
	prober := &scriptedProber{}
	recorder := new(MockRecorder)
	recorder.On("MarkFailed", mock.Anything, mock.Anything, mock.AnythingOfType("string")).Return(nil)
	obs := &observations{}

	v := NewVerifier(fastConfig, prober, nil, recorder)
	result, err := v.Verify(context.Background(), testTarget(), obs.observe)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, 10, prober.Calls())
	assert.Equal(t, 10, obs.count(StateChecking))
	assert.Equal(t, 1, obs.count(StateFailed))
	assert.Equal(t, 0, obs.count(StateVerified))
	assert.Equal(t, StateFailed, obs.last().State)
	assert.Contains(t, result.Reason, "verify the bootstrap artifact was applied")
	recorder.AssertNumberOfCalls(t, "MarkFailed", 1)
	recorder.AssertNotCalled(t, "MarkVerified", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestVerify_DefaultTimeoutReason(t *testing.T) {
	v := NewVerifier(Config{}, &scriptedProber{}, nil, new(MockRecorder))
	assert.Equal(t,
		"no handshake observed within 120s — verify the bootstrap artifact was applied and the device has outbound connectivity",
		v.timeoutReason())
}

func TestVerify_RespondsOnFifthAttempt(t *testing.T) {
	prober := &scriptedProber{respondOn: 5}
	recorder := new(MockRecorder)
	target := testTarget()
	recorder.On("MarkVerified", mock.Anything, target, 12*time.Millisecond, (*time.Time)(nil)).Return(nil)
	obs := &observations{}

	v := NewVerifier(fastConfig, prober, nil, recorder)
	result, err := v.Verify(context.Background(), target, obs.observe)
	require.NoError(t, err)

	assert.Equal(t, StateVerified, result.State)
	assert.Equal(t, 5, result.Attempts)
	assert.Equal(t, 5, prober.Calls())
	assert.Equal(t, 5, obs.count(StateChecking))
	assert.Equal(t, 1, obs.count(StateVerified))

	final := obs.last()
	assert.Equal(t, "10.100.1.1", final.ClientIP)
	assert.Equal(t, 12*time.Millisecond, final.Latency)
	assert.Equal(t, events.ConnectivityVerified, final.Kind())
	recorder.AssertExpectations(t)
}

func TestVerify_CheckingCarriesProgress(t *testing.T) {
	prober := &scriptedProber{respondOn: 2}
	recorder := new(MockRecorder)
	recorder.On("MarkVerified", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	obs := &observations{}

	v := NewVerifier(Config{Interval: time.Millisecond, MaxAttempts: 4}, prober, nil, recorder)
	_, err := v.Verify(context.Background(), testTarget(), obs.observe)
	require.NoError(t, err)

	first := obs.list[0]
	assert.Equal(t, StateChecking, first.State)
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, 4, first.MaxAttempts)
	assert.InDelta(t, 0.25, first.ElapsedFraction, 1e-9)
	assert.InDelta(t, 0.5, obs.list[1].ElapsedFraction, 1e-9)
	assert.Equal(t, events.ConnectivityChecking, first.Kind())
}

func TestVerify_DeviceErrorIsTerminal(t *testing.T) {
	prober := &scriptedProber{err: errors.Join(devicerpc.ErrDeviceError, errors.New("api user lacks read policy"))}
	recorder := new(MockRecorder)
	recorder.On("MarkFailed", mock.Anything, mock.Anything, mock.AnythingOfType("string")).Return(nil)
	obs := &observations{}

	v := NewVerifier(fastConfig, prober, nil, recorder)
	result, err := v.Verify(context.Background(), testTarget(), obs.observe)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, 1, prober.Calls())
	assert.Contains(t, result.Reason, "api user lacks read policy")
	assert.Equal(t, 1, obs.count(StateChecking))
	assert.Equal(t, 1, obs.count(StateFailed))
	assert.Equal(t, events.ConnectivityFailed, obs.last().Kind())
}

func TestVerify_CancellationRecordsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	prober := &scriptedProber{onProbe: func(call int) {
		if call == 3 {
			cancel()
		}
	}}
	recorder := new(MockRecorder)
	obs := &observations{}

	v := NewVerifier(fastConfig, prober, nil, recorder)
	result, err := v.Verify(ctx, testTarget(), obs.observe)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, result.State)
	assert.Equal(t, 3, prober.Calls())
	assert.Equal(t, 3, obs.count(StateChecking))
	assert.Equal(t, 0, obs.count(StateFailed))
	assert.Equal(t, 0, obs.count(StateVerified))
	recorder.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)
	recorder.AssertNotCalled(t, "MarkVerified", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestVerify_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	prober := &scriptedProber{respondOn: 1}
	obs := &observations{}

	v := NewVerifier(fastConfig, prober, nil, new(MockRecorder))
	result, err := v.Verify(ctx, testTarget(), obs.observe)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, result.State)
	assert.Equal(t, 0, prober.Calls())
	assert.Empty(t, obs.list)
}

func TestVerify_RequiresFreshHandshake(t *testing.T) {
	recorder := new(MockRecorder)
	recorder.On("MarkFailed", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	stale := staticHandshakes{at: time.Now().Add(-time.Hour)}

	v := NewVerifier(Config{Interval: time.Millisecond, MaxAttempts: 3}, &scriptedProber{respondOn: 1}, stale, recorder)
	result, err := v.Verify(context.Background(), testTarget(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, 3, result.Attempts)
}

func TestVerify_FreshHandshakeIsRecorded(t *testing.T) {
	at := time.Now().Add(-10 * time.Second)
	recorder := new(MockRecorder)
	recorder.On("MarkVerified", mock.Anything, mock.Anything, mock.Anything, mock.MatchedBy(func(h *time.Time) bool {
		return h != nil && h.Equal(at)
	})).Return(nil)

	v := NewVerifier(fastConfig, &scriptedProber{respondOn: 1}, staticHandshakes{at: at}, recorder)
	result, err := v.Verify(context.Background(), testTarget(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateVerified, result.State)
	require.NotNil(t, result.HandshakeAt)
	recorder.AssertExpectations(t)
}

func TestVerify_RecorderFailureSurfaces(t *testing.T) {
	recorder := new(MockRecorder)
	recorder.On("MarkVerified", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("connection reset"))
	obs := &observations{}

	v := NewVerifier(fastConfig, &scriptedProber{respondOn: 1}, nil, recorder)
	_, err := v.Verify(context.Background(), testTarget(), obs.observe)
	assert.Error(t, err)
	assert.Equal(t, 0, obs.count(StateVerified))
}
