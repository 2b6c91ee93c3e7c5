// Package archive is cold storage for failed operations removed from the
// live queue by the retention sweep.
//
// Operations are stored in a bbolt file, one nested bucket per tenant under
// a top-level "operations" bucket, keyed by operation id. Archiving the same
// operation twice overwrites the first copy.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/roach88/tillsync/internal/model"
)

var bucketOperations = []byte("operations")

// ErrNotFound is returned when an operation is not in the archive.
var ErrNotFound = errors.New("archived operation not found")

// Record is one archived operation.
type Record struct {
	Operation  model.SyncOperation `json:"operation"`
	ArchivedAt time.Time           `json:"archived_at"`
}

// Archive is a bbolt-backed cold store. It implements engine.Archiver.
type Archive struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens or creates the archive file at path.
func Open(path string) (*Archive, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOperations)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open archive: create bucket: %w", err)
	}

	return &Archive{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the archive file.
func (a *Archive) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Archive writes ops in a single transaction.
func (a *Archive) Archive(ctx context.Context, ops []model.SyncOperation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	at := a.now()

	return a.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketOperations)
		for _, op := range ops {
			tenant, err := root.CreateBucketIfNotExists([]byte(op.TenantID))
			if err != nil {
				return fmt.Errorf("archive %s: tenant bucket: %w", op.ID, err)
			}
			data, err := json.Marshal(Record{Operation: op, ArchivedAt: at})
			if err != nil {
				return fmt.Errorf("archive %s: marshal: %w", op.ID, err)
			}
			if err := tenant.Put([]byte(op.ID), data); err != nil {
				return fmt.Errorf("archive %s: %w", op.ID, err)
			}
		}
		return nil
	})
}

// Get returns one archived operation.
func (a *Archive) Get(ctx context.Context, tenantID, operationID string) (*Record, error) {
	var rec *Record
	err := a.db.View(func(tx *bbolt.Tx) error {
		tenant := tx.Bucket(bucketOperations).Bucket([]byte(tenantID))
		if tenant == nil {
			return ErrNotFound
		}
		data := tenant.Get([]byte(operationID))
		if data == nil {
			return ErrNotFound
		}
		rec = &Record{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns a tenant's archived operations ordered by operation id.
// An empty tenantID lists every tenant.
func (a *Archive) List(ctx context.Context, tenantID string) ([]Record, error) {
	records := []Record{}
	err := a.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketOperations)
		collect := func(b *bbolt.Bucket) error {
			return b.ForEach(func(_, v []byte) error {
				var rec Record
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("list archive: unmarshal: %w", err)
				}
				records = append(records, rec)
				return nil
			})
		}

		if tenantID != "" {
			tenant := root.Bucket([]byte(tenantID))
			if tenant == nil {
				return nil
			}
			return collect(tenant)
		}
		return root.ForEachBucket(func(k []byte) error {
			return collect(root.Bucket(k))
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
