package provisioning

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var runsBucket = []byte("provisioning_runs")

// Archive keeps the final status of finished runs, one per device.
type Archive interface {
	Put(s Status) error
	Get(tenantID, deviceID uuid.UUID) (*Status, error)
	List(tenantID uuid.UUID) ([]Status, error)
	DeleteTenant(tenantID uuid.UUID) error
}

// BoltArchive stores runs in a bbolt file with one nested bucket per tenant.
type BoltArchive struct {
	db *bbolt.DB
}

func OpenBoltArchive(path string) (*BoltArchive, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open run archive: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize run archive: %w", err)
	}
	return &BoltArchive{db: db}, nil
}

func (a *BoltArchive) Close() error {
	return a.db.Close()
}

func (a *BoltArchive) Put(s Status) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	return a.db.Update(func(tx *bbolt.Tx) error {
		tenant, err := tx.Bucket(runsBucket).CreateBucketIfNotExists([]byte(s.TenantID.String()))
		if err != nil {
			return err
		}
		return tenant.Put([]byte(s.DeviceID.String()), data)
	})
}

func (a *BoltArchive) Get(tenantID, deviceID uuid.UUID) (*Status, error) {
	var s *Status
	err := a.db.View(func(tx *bbolt.Tx) error {
		tenant := tx.Bucket(runsBucket).Bucket([]byte(tenantID.String()))
		if tenant == nil {
			return ErrRunNotFound
		}
		data := tenant.Get([]byte(deviceID.String()))
		if data == nil {
			return ErrRunNotFound
		}
		s = new(Status)
		return json.Unmarshal(data, s)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a *BoltArchive) List(tenantID uuid.UUID) ([]Status, error) {
	var result []Status
	err := a.db.View(func(tx *bbolt.Tx) error {
		tenant := tx.Bucket(runsBucket).Bucket([]byte(tenantID.String()))
		if tenant == nil {
			return nil
		}
		return tenant.ForEach(func(_, v []byte) error {
			var s Status
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			result = append(result, s)
			return nil
		})
	})
	return result, err
}

func (a *BoltArchive) DeleteTenant(tenantID uuid.UUID) error {
	return a.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(runsBucket).DeleteBucket([]byte(tenantID.String()))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}
