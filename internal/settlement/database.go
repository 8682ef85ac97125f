package settlement

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	recordBucketName = "transactions"
	ownerBucketName  = "transactions_by_owner"
)

// DB defines the interface for settlement record storage
type DB interface {
	// CreateRecord stores a new record; it fails if the id is already taken
	CreateRecord(record *Record) error

	// GetRecord retrieves a record by ID
	GetRecord(id string) (*Record, error)

	// ListRecordsByOwner returns an owner's records, most recent first
	ListRecordsByOwner(owner string) ([]*Record, error)

	// UpdateRecord applies fn to a record and saves the result atomically.
	// Nothing is written if fn returns an error.
	UpdateRecord(id string, fn func(*Record) error) (*Record, error)

	// DeleteRecord removes a record and returns what was removed
	DeleteRecord(id string) (*Record, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(recordBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(ownerBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// ownerKey orders an owner's index entries by creation time, oldest first
func ownerKey(record *Record) []byte {
	key := make([]byte, 8, 8+len(record.ID))
	binary.BigEndian.PutUint64(key, uint64(record.CreatedAt.UnixNano()))
	return append(key, record.ID...)
}

func readRecord(tx *bbolt.Tx, id string) (*Record, error) {
	data := tx.Bucket([]byte(recordBucketName)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshaling record %s: %w", id, err)
	}
	return &record, nil
}

func writeRecord(tx *bbolt.Tx, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return tx.Bucket([]byte(recordBucketName)).Put([]byte(record.ID), data)
}

// CreateRecord stores a new record and indexes it under its owner
func (b *BoltDB) CreateRecord(record *Record) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(recordBucketName)).Get([]byte(record.ID)) != nil {
			return fmt.Errorf("record already exists: %s", record.ID)
		}
		if err := writeRecord(tx, record); err != nil {
			return err
		}
		owners, err := tx.Bucket([]byte(ownerBucketName)).CreateBucketIfNotExists([]byte(record.OwnerContactID))
		if err != nil {
			return fmt.Errorf("creating owner index: %w", err)
		}
		return owners.Put(ownerKey(record), []byte(record.ID))
	})
}

// GetRecord retrieves a record by ID
func (b *BoltDB) GetRecord(id string) (*Record, error) {
	var record *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		record, err = readRecord(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListRecordsByOwner walks the owner index backwards so the newest record comes first
func (b *BoltDB) ListRecordsByOwner(owner string) ([]*Record, error) {
	records := make([]*Record, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		owners := tx.Bucket([]byte(ownerBucketName)).Bucket([]byte(owner))
		if owners == nil {
			return nil
		}
		c := owners.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			record, err := readRecord(tx, string(v))
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// UpdateRecord reads, modifies and writes a record inside one read-write transaction.
// Bolt allows a single writer at a time, so the check in fn always sees the latest state.
func (b *BoltDB) UpdateRecord(id string, fn func(*Record) error) (*Record, error) {
	var record *Record
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		record, err = readRecord(tx, id)
		if err != nil {
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
		record.ID = id
		return writeRecord(tx, record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// DeleteRecord removes a record and its owner index entry
func (b *BoltDB) DeleteRecord(id string) (*Record, error) {
	var record *Record
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		record, err = readRecord(tx, id)
		if err != nil {
			return err
		}
		if owners := tx.Bucket([]byte(ownerBucketName)).Bucket([]byte(record.OwnerContactID)); owners != nil {
			if err := owners.Delete(ownerKey(record)); err != nil {
				return fmt.Errorf("deleting owner index: %w", err)
			}
		}
		return tx.Bucket([]byte(recordBucketName)).Delete([]byte(id))
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
