// Package keystore persists per-peer enrollment secrets and the device's
// identity settings. Enrollments live in a bounded table keyed by peer
// fingerprint; identity settings (advertised name, factory identifier) live
// in a separate namespace. All access happens on the packet worker, so the
// store relies on single-writer discipline rather than row locking.
package keystore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cendern/toothpaste/internal/crypto"
)

const (
	// MaxEnrollments is the enrollment capacity. Reaching it wipes the
	// whole table before the next insert: bounded wear, no per-entry
	// eviction. Richer policies are a non-goal.
	MaxEnrollments = 5

	// FingerprintLen is the length of a peer fingerprint in hex characters.
	FingerprintLen = 12

	// FactoryIDSize is the size of the stable factory identifier in bytes.
	FactoryIDSize = 6

	deviceNameKey = "blename"
	factoryIDKey  = "factoryid"
)

var (
	// ErrNotFound is returned when a fingerprint has no enrollment.
	ErrNotFound = errors.New("enrollment not found")

	// ErrStorage wraps backend read/write failures.
	ErrStorage = errors.New("keystore storage failure")
)

// Enrollment is one persisted peer: fingerprint and shared secret.
type Enrollment struct {
	Fingerprint string `gorm:"primaryKey;size:12"`
	Secret      []byte `gorm:"not null"`
	CreatedAt   time.Time
}

// TableName places enrollments in the security namespace.
func (Enrollment) TableName() string { return "security" }

// identitySetting is one key/value pair in the identity namespace.
type identitySetting struct {
	Key   string `gorm:"primaryKey;size:32"`
	Value []byte `gorm:"not null"`
}

func (identitySetting) TableName() string { return "identity" }

// Store is the bounded persistent keystore.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the keystore database at path.
// Every write is committed synchronously before the call returns.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}

	if err := db.AutoMigrate(&Enrollment{}, &identitySetting{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", ErrStorage, err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return sqlDB.Close()
}

// Fingerprint derives the keystore lookup identity from a base64-encoded
// public key: SHA-256 truncated to 12 hex characters. Deterministic across
// reboots; raw base64 keys never appear as storage keys.
func Fingerprint(base64PublicKey string) string {
	sum := sha256.Sum256([]byte(base64PublicKey))
	return hex.EncodeToString(sum[:])[:FingerprintLen]
}

// Exists reports whether a fingerprint is enrolled.
func (s *Store) Exists(fingerprint string) (bool, error) {
	var count int64
	if err := s.db.Model(&Enrollment{}).Where("fingerprint = ?", fingerprint).Count(&count).Error; err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return count > 0, nil
}

// Load returns the shared secret stored under fingerprint.
func (s *Store) Load(fingerprint string) ([crypto.KeySize]byte, error) {
	var shared [crypto.KeySize]byte

	var e Enrollment
	err := s.db.First(&e, "fingerprint = ?", fingerprint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return shared, ErrNotFound
	}
	if err != nil {
		return shared, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if len(e.Secret) != crypto.KeySize {
		return shared, fmt.Errorf("%w: stored secret is %d bytes", ErrStorage, len(e.Secret))
	}

	copy(shared[:], e.Secret)
	return shared, nil
}

// Put stores a shared secret under fingerprint. If the table is at
// capacity, ALL enrollments are wiped first; the insert then lands in an
// empty table. Overwriting an existing fingerprint does not count against
// capacity.
func (s *Store) Put(fingerprint string, shared [crypto.KeySize]byte) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Enrollment{}).Where("fingerprint = ?", fingerprint).Count(&existing).Error; err != nil {
			return err
		}

		if existing == 0 {
			var count int64
			if err := tx.Model(&Enrollment{}).Count(&count).Error; err != nil {
				return err
			}
			if count >= MaxEnrollments {
				if err := tx.Where("1 = 1").Delete(&Enrollment{}).Error; err != nil {
					return err
				}
			}
		}

		secret := make([]byte, crypto.KeySize)
		copy(secret, shared[:])
		return tx.Save(&Enrollment{Fingerprint: fingerprint, Secret: secret, CreatedAt: time.Now()}).Error
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrStorage, fingerprint, err)
	}
	return nil
}

// Count returns the current number of enrollments.
func (s *Store) Count() (int, error) {
	var count int64
	if err := s.db.Model(&Enrollment{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return int(count), nil
}

// List returns all enrollments, newest first. Secrets are not included.
func (s *Store) List() ([]Enrollment, error) {
	var entries []Enrollment
	if err := s.db.Select("fingerprint", "created_at").Order("created_at desc").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return entries, nil
}

// Wipe removes every enrollment.
func (s *Store) Wipe() error {
	if err := s.db.Where("1 = 1").Delete(&Enrollment{}).Error; err != nil {
		return fmt.Errorf("%w: wipe: %v", ErrStorage, err)
	}
	return nil
}

// DeviceName returns the persisted advertised name, or "" if unset.
func (s *Store) DeviceName() (string, error) {
	value, err := s.identityGet(deviceNameKey)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// SetDeviceName persists the advertised name.
func (s *Store) SetDeviceName(name string) error {
	return s.identityPut(deviceNameKey, []byte(name))
}

// FactoryID returns the stable 6-byte factory identifier, generating and
// persisting one on first use.
func (s *Store) FactoryID() ([FactoryIDSize]byte, error) {
	var id [FactoryIDSize]byte

	value, err := s.identityGet(factoryIDKey)
	if err == nil {
		if len(value) != FactoryIDSize {
			return id, fmt.Errorf("%w: factory id is %d bytes", ErrStorage, len(value))
		}
		copy(id[:], value)
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return id, err
	}

	fresh, err := crypto.Random(FactoryIDSize)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := s.identityPut(factoryIDKey, fresh); err != nil {
		return id, err
	}
	copy(id[:], fresh)
	return id, nil
}

func (s *Store) identityGet(key string) ([]byte, error) {
	var setting identitySetting
	err := s.db.First(&setting, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return setting.Value, nil
}

func (s *Store) identityPut(key string, value []byte) error {
	if err := s.db.Save(&identitySetting{Key: key, Value: value}).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}
