package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/EternisAI/silo-overlay/internal/db"
	"github.com/EternisAI/silo-overlay/internal/devices"
	"github.com/google/uuid"
)

// Devices is an in-memory device store scoped like devices.Service.
type Devices struct {
	mu      sync.Mutex
	devices map[uuid.UUID]*devices.Device
	ifaces  map[uuid.UUID][]devices.Interface
	stages  map[uuid.UUID][]string
}

func NewDevices() *Devices {
	return &Devices{
		devices: make(map[uuid.UUID]*devices.Device),
		ifaces:  make(map[uuid.UUID][]devices.Interface),
		stages:  make(map[uuid.UUID][]string),
	}
}

func (s *Devices) Create(ctx context.Context, d *devices.Device) error {
	tenantID, err := db.TenantID(ctx)
	if err != nil {
		return err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now()
	d.TenantID = tenantID
	d.CreatedAt, d.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.devices[d.ID] = &cp
	s.stages[d.ID] = append(s.stages[d.ID], d.Stage)
	return nil
}

func (s *Devices) Get(ctx context.Context, id uuid.UUID) (*devices.Device, error) {
	var result *devices.Device
	err := s.with(ctx, id, func(d *devices.Device) {
		cp := *d
		result = &cp
	})
	return result, err
}

func (s *Devices) SetStage(ctx context.Context, id uuid.UUID, stage string) error {
	return s.with(ctx, id, func(d *devices.Device) {
		d.Stage = stage
		s.stages[id] = append(s.stages[id], stage)
	})
}

func (s *Devices) UpdateStatus(ctx context.Context, id uuid.UUID, status devices.Status, lastError string) error {
	if status != devices.StatusError {
		lastError = ""
	}
	return s.with(ctx, id, func(d *devices.Device) {
		d.Status = status
		d.LastError = lastError
	})
}

func (s *Devices) SetBootstrap(ctx context.Context, id uuid.UUID, tokenHash string, expiresAt time.Time) error {
	return s.with(ctx, id, func(d *devices.Device) {
		d.BootstrapTokenHash = tokenHash
		d.BootstrapExpiresAt = &expiresAt
	})
}

func (s *Devices) ClearBootstrap(ctx context.Context, id uuid.UUID) error {
	return s.with(ctx, id, func(d *devices.Device) {
		d.BootstrapTokenHash = ""
		d.BootstrapExpiresAt = nil
	})
}

func (s *Devices) SaveDiscovery(ctx context.Context, id uuid.UUID, model, firmware string, ifaces []devices.Interface) error {
	return s.with(ctx, id, func(d *devices.Device) {
		d.Model = model
		d.FirmwareVersion = firmware
		now := time.Now()
		d.LastSeenAt = &now
		s.ifaces[id] = append([]devices.Interface(nil), ifaces...)
	})
}

func (s *Devices) with(ctx context.Context, id uuid.UUID, fn func(d *devices.Device)) error {
	tenantID, err := db.TenantID(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok || d.TenantID != tenantID {
		return devices.ErrDeviceNotFound
	}
	fn(d)
	d.UpdatedAt = time.Now()
	return nil
}

// Device returns a stored device regardless of scope, for assertions.
func (s *Devices) Device(id uuid.UUID) *devices.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

// Stages lists every stage persisted for a device, in order.
func (s *Devices) Stages(id uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stages[id]...)
}

func (s *Devices) Interfaces(id uuid.UUID) []devices.Interface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]devices.Interface(nil), s.ifaces[id]...)
}
