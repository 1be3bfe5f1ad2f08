package cache

import (
	"context"
	"errors"
	"time"

	"github.com/Swind/go-task-stream/core"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// CacheEntry is one row of the shared progress table.
type CacheEntry struct {
	Key       string `gorm:"column:cache_key;primaryKey;size:191"`
	Value     []byte `gorm:"type:longblob;not null"`
	ExpiresAt int64  `gorm:"index;not null;default:0"`
	UpdatedAt time.Time
}

func (CacheEntry) TableName() string { return "training_cache" }

// GormCache stores progress records in a SQL database through gorm, so that
// daemons on several hosts can share one MySQL instance.
type GormCache struct {
	db  *gorm.DB
	now func() time.Time
}

var _ core.Cache = (*GormCache)(nil)

// NewGormCache migrates the cache table on db and wraps it.
func NewGormCache(db *gorm.DB) (*GormCache, error) {
	if err := db.AutoMigrate(&CacheEntry{}); err != nil {
		return nil, err
	}
	return &GormCache{db: db, now: time.Now}, nil
}

// OpenMySQL connects to MySQL with dsn and migrates the cache table.
func OpenMySQL(dsn string) (*GormCache, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	return NewGormCache(db)
}

func (c *GormCache) Get(ctx context.Context, key string) ([]byte, error) {
	var e CacheEntry
	err := c.db.WithContext(ctx).Where("cache_key = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	if expired(e.ExpiresAt, c.now()) {
		_ = c.Delete(ctx, key)
		return nil, core.ErrCacheMiss
	}
	return e.Value, nil
}

func (c *GormCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := CacheEntry{Key: key, Value: value, ExpiresAt: expiryNanos(c.now(), ttl)}
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&e).Error
}

func (c *GormCache) Delete(ctx context.Context, key string) error {
	return c.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&CacheEntry{}).Error
}

// Purge removes every expired entry and returns how many were deleted.
func (c *GormCache) Purge(ctx context.Context) (int64, error) {
	res := c.db.WithContext(ctx).
		Where("expires_at > 0 AND expires_at <= ?", c.now().UnixNano()).
		Delete(&CacheEntry{})
	return res.RowsAffected, res.Error
}

func (c *GormCache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
