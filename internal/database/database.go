// internal/database/database.go
// PostgreSQL 連線與資料表遷移

package database

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
)

// gormWriter 將 gorm 日誌導向 zerolog
type gormWriter struct {
	log *zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Debug().Msgf(format, args...)
}

// Open 初始化資料庫連接
func Open(cfg *config.Config, log *zerolog.Logger) (*gorm.DB, error) {
	level := gormlogger.Warn
	if cfg.Env == "production" {
		level = gormlogger.Silent
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.New(gormWriter{log: log}, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 設定連接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info().Msg("database connected")
	return db, nil
}

// Migrate 建立或更新資料表
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Mail{},
		&models.Attachment{},
		&models.RecipientStatus{},
		&models.ClientToken{},
		&models.APILog{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
