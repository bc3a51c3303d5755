package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-overlay/internal/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrDeviceNotFound = errors.New("device not found")

const deviceColumns = `id, tenant_id, name, COALESCE(network_address, ''), credentials, status,
	provisioning_stage, COALESCE(last_error, ''), COALESCE(bootstrap_token_hash, ''), bootstrap_expires_at,
	COALESCE(model, ''), COALESCE(firmware_version, ''), last_seen_at, created_at, updated_at`

// Service reads and writes devices in the scoped tenant schema.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

func (s *Service) Create(ctx context.Context, d *Device) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Credentials == nil {
		d.Credentials = map[string]any{}
	}
	credentials, err := json.Marshal(d.Credentials)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	err = conn.QueryRow(ctx, `
		INSERT INTO devices (id, tenant_id, name, network_address, credentials, status, provisioning_stage,
			bootstrap_token_hash, bootstrap_expires_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), $9)
		RETURNING created_at, updated_at`,
		d.ID, d.TenantID, d.Name, d.NetworkAddress, credentials, string(d.Status), d.Stage,
		d.BootstrapTokenHash, d.BootstrapExpiresAt,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}

	slog.Info("Device created", "device_id", d.ID, "tenant_id", d.TenantID, "name", d.Name)
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Device, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	d, err := scanDevice(conn.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

func (s *Service) List(ctx context.Context) ([]*Device, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var result []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// SetStage persists the provisioning stage of a device.
func (s *Service) SetStage(ctx context.Context, id uuid.UUID, stage string) error {
	return s.exec(ctx, `UPDATE devices SET provisioning_stage = $2, updated_at = NOW() WHERE id = $1`, id, stage)
}

// UpdateStatus sets the lifecycle status. lastError is cleared unless status is error.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, lastError string) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}
	if status != StatusError {
		lastError = ""
	}
	if err := s.exec(ctx, `
		UPDATE devices SET status = $2, last_error = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1`, id, string(status), lastError); err != nil {
		return err
	}
	slog.Info("Device status updated", "device_id", id, "status", status)
	return nil
}

func (s *Service) SetBootstrap(ctx context.Context, id uuid.UUID, tokenHash string, expiresAt time.Time) error {
	return s.exec(ctx, `
		UPDATE devices SET bootstrap_token_hash = $2, bootstrap_expires_at = $3, updated_at = NOW()
		WHERE id = $1`, id, tokenHash, expiresAt)
}

func (s *Service) ClearBootstrap(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, `
		UPDATE devices SET bootstrap_token_hash = NULL, bootstrap_expires_at = NULL, updated_at = NOW()
		WHERE id = $1`, id)
}

// SaveDiscovery stores identity metadata and replaces the interface list.
func (s *Service) SaveDiscovery(ctx context.Context, id uuid.UUID, model, firmware string, ifaces []Interface) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}

	tag, err := conn.Exec(ctx, `
		UPDATE devices SET model = $2, firmware_version = $3, last_seen_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id, model, firmware)
	if err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}

	if _, err := conn.Exec(ctx, `DELETE FROM device_interfaces WHERE device_id = $1`, id); err != nil {
		return fmt.Errorf("failed to clear interfaces: %w", err)
	}
	for _, iface := range ifaces {
		_, err := conn.Exec(ctx, `
			INSERT INTO device_interfaces (device_id, name, type, mac_address, running, disabled, comment)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, iface.Name, iface.Type, iface.MacAddress, iface.Running, iface.Disabled, iface.Comment)
		if err != nil {
			return fmt.Errorf("failed to save interface %s: %w", iface.Name, err)
		}
	}
	return nil
}

func (s *Service) ListInterfaces(ctx context.Context, id uuid.UUID) ([]Interface, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, `
		SELECT name, type, mac_address, running, disabled, comment
		FROM device_interfaces WHERE device_id = $1 ORDER BY name`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	defer rows.Close()

	var result []Interface
	for rows.Next() {
		var i Interface
		if err := rows.Scan(&i.Name, &i.Type, &i.MacAddress, &i.Running, &i.Disabled, &i.Comment); err != nil {
			return nil, err
		}
		result = append(result, i)
	}
	return result, rows.Err()
}

func (s *Service) exec(ctx context.Context, query string, args ...any) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	tag, err := conn.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	var status string
	var credentials []byte
	err := row.Scan(&d.ID, &d.TenantID, &d.Name, &d.NetworkAddress, &credentials, &status,
		&d.Stage, &d.LastError, &d.BootstrapTokenHash, &d.BootstrapExpiresAt,
		&d.Model, &d.FirmwareVersion, &d.LastSeenAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	if len(credentials) > 0 {
		_ = json.Unmarshal(credentials, &d.Credentials)
	}
	return &d, nil
}
