//go:build !wasm
// +build !wasm

package gorm

import (
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	oa "github.com/panyam/monitorauth"
	"github.com/panyam/monitorauth/client/stores/seal"
)

// AutoMigrate runs database migrations for all monitorauth tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&SecretModel{},
		&PreferenceModel{},
	)
}

// Open opens (creating if needed) a SQLite database at path and migrates it
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate %s: %w", path, err)
	}
	return db, nil
}

// =============================================================================
// SecureStore
// =============================================================================

// SecureStore implements oa.SecureStore using GORM. Values are sealed when
// a sealer is given.
type SecureStore struct {
	db     *gorm.DB
	sealer *seal.Sealer
}

var _ oa.SecureStore = (*SecureStore)(nil)

func NewSecureStore(db *gorm.DB, sealer *seal.Sealer) *SecureStore {
	return &SecureStore{db: db, sealer: sealer}
}

func (s *SecureStore) Put(key, secret string) error {
	value := secret
	if s.sealer != nil {
		sealed, err := s.sealer.Seal([]byte(secret))
		if err != nil {
			return err
		}
		value = sealed
	}
	model := &SecretModel{Name: key, Value: value}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(model).Error
}

func (s *SecureStore) Get(key string) (string, bool, error) {
	var model SecretModel
	err := s.db.First(&model, "name = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if s.sealer == nil {
		return model.Value, true, nil
	}
	plain, err := s.sealer.Open(model.Value)
	if err != nil {
		return "", false, fmt.Errorf("secret %q: %w", key, err)
	}
	return string(plain), true, nil
}

func (s *SecureStore) Clear(key string) error {
	return s.db.Where("name = ?", key).Delete(&SecretModel{}).Error
}

// =============================================================================
// PreferenceStore
// =============================================================================

// PreferenceStore implements oa.PreferenceStore using GORM
type PreferenceStore struct {
	db *gorm.DB
}

var _ oa.PreferenceStore = (*PreferenceStore)(nil)

func NewPreferenceStore(db *gorm.DB) *PreferenceStore {
	return &PreferenceStore{db: db}
}

func (s *PreferenceStore) SetBool(key string, value bool) error {
	model := &PreferenceModel{Name: key, Value: value}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(model).Error
}

func (s *PreferenceStore) Bool(key string) (bool, error) {
	var model PreferenceModel
	err := s.db.First(&model, "name = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return model.Value, nil
}
