package provisioning

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run is an in-flight provisioning run. Its context is cancelled by
// CancelProvisioning or tenant suspension.
type Run struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	DeviceID uuid.UUID

	// resume is the stage the worker starts from.
	resume Stage

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	status    Status
	cancelled bool
}

func newRun(parent context.Context, tenantID, deviceID uuid.UUID, deviceName string, resume Stage) *Run {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.New()
	return &Run{
		ID:       id,
		TenantID: tenantID,
		DeviceID: deviceID,
		resume:   resume,
		ctx:      ctx,
		cancel:   cancel,
		status: Status{
			RunID:      id,
			TenantID:   tenantID,
			DeviceID:   deviceID,
			DeviceName: deviceName,
			Outcome:    OutcomeRunning,
			StartedAt:  time.Now().UTC(),
		},
	}
}

func (r *Run) Context() context.Context {
	return r.ctx
}

func (r *Run) Snapshot() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.status
	s.History = append([]StageRecord(nil), r.status.History...)
	return s
}

func (r *Run) update(fn func(s *Status)) {
	r.mu.Lock()
	fn(&r.status)
	r.mu.Unlock()
}

func (r *Run) enter(stage Stage) {
	r.update(func(s *Status) {
		s.Stage = stage
		s.History = append(s.History, StageRecord{Stage: stage, At: time.Now().UTC()})
	})
}

// Cancel stops the run. The stage it reached stays as is.
func (r *Run) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.status.Outcome = OutcomeCancelled
	r.mu.Unlock()
	r.cancel()
}

func (r *Run) Cancelled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cancelled
}

// Registry tracks in-flight runs, at most one per device.
type Registry struct {
	runs map[uuid.UUID]*Run
	mu   sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[uuid.UUID]*Run)}
}

func (r *Registry) Register(run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[run.DeviceID]; ok {
		return ErrRunInProgress
	}
	r.runs[run.DeviceID] = run
	slog.Debug("Provisioning run registered", "device_id", run.DeviceID, "run_id", run.ID)
	return nil
}

func (r *Registry) Get(deviceID uuid.UUID) (*Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[deviceID]
	return run, ok
}

// Remove drops the run only if it is still the registered one for its device.
func (r *Registry) Remove(run *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.runs[run.DeviceID]; ok && current == run {
		delete(r.runs, run.DeviceID)
	}
}

func (r *Registry) ByTenant(tenantID uuid.UUID) []*Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Run
	for _, run := range r.runs {
		if run.TenantID == tenantID {
			result = append(result, run)
		}
	}
	return result
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}
