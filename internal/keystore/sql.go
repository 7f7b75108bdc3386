package keystore

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/matst80/tunnelclient/internal/obs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// APIKey is one row of the on-disk key table.
type APIKey struct {
	Ref       string `gorm:"primaryKey"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

// SQL is a Table backed by a SQLite file.
type SQL struct {
	db *gorm.DB
}

// OpenSQL opens (and migrates) the key table at path.
func OpenSQL(path string) (*SQL, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open apikey db %s: %w", path, err)
	}
	if err := db.AutoMigrate(&APIKey{}); err != nil {
		return nil, fmt.Errorf("migrate apikey db: %w", err)
	}
	return &SQL{db: db}, nil
}

func (s *SQL) Lookup(ref string) (string, bool) {
	var k APIKey
	err := s.db.Where("ref = ?", ref).First(&k).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			obs.Error("keystore.lookup", obs.Fields{"ref": ref, "err": err.Error()})
		}
		return "", false
	}
	return k.Value, k.Value != ""
}

// Put inserts or replaces the key stored under ref.
func (s *SQL) Put(ref, value string) error {
	k := APIKey{Ref: ref, Value: value}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ref"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&k).Error
	if err != nil {
		return fmt.Errorf("store apikey %s: %w", ref, err)
	}
	return nil
}

// Delete removes ref from the table.
func (s *SQL) Delete(ref string) error {
	return s.db.Where("ref = ?", ref).Delete(&APIKey{}).Error
}

// Refs lists every stored reference.
func (s *SQL) Refs() ([]string, error) {
	var refs []string
	err := s.db.Model(&APIKey{}).Order("ref").Pluck("ref", &refs).Error
	return refs, err
}

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
