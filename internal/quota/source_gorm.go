package quota

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// TierRecord is the database row backing one class tier.
type TierRecord struct {
	ClassID       string `gorm:"primaryKey;column:class_id"`
	Limit         int64  `gorm:"column:request_limit"`
	WindowSeconds int64  `gorm:"column:window_seconds"`
	Name          string `gorm:"column:tier_name"`
	UpdatedAt     time.Time
}

// TableName implements the gorm naming convention.
func (TierRecord) TableName() string { return "quota_tiers" }

// GormSource resolves tiers from a relational database. Lookups hit the
// database directly; the service's tier cache keeps the query rate bounded.
type GormSource struct {
	db *gorm.DB
}

// NewGormSource opens a postgres-backed tier source and ensures the schema
// exists.
func NewGormSource(dsn string) (*GormSource, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&TierRecord{}); err != nil {
		return nil, err
	}
	return &GormSource{db: db}, nil
}

// Fetch implements TierSource.
func (s *GormSource) Fetch(ctx context.Context, classID string) (Tier, error) {
	var rec TierRecord
	err := s.db.WithContext(ctx).First(&rec, "class_id = ?", classID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Tier{}, ErrTierNotFound
	}
	if err != nil {
		return Tier{}, err
	}
	return Tier{
		Limit:  rec.Limit,
		Window: time.Duration(rec.WindowSeconds) * time.Second,
		Name:   rec.Name,
	}, nil
}

// Close releases the underlying connection pool.
func (s *GormSource) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
