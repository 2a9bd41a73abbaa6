package store

import (
	"fmt"
	"time"

	"github.com/geolake/geolake/internal/config"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	slowQueryThreshold = time.Second
	sqliteBusyTimeout  = 5000 // milliseconds
)

func InitDB(cfg *config.Config) (*gorm.DB, error) {
	newDB, err := gorm.Open(dialector(cfg), &gorm.Config{
		Logger:         newGormLogger(cfg.Service.LogLevel),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		zap.S().Named("gorm").Errorf("failed to connect database: %v", err)
		return nil, err
	}

	sqlDB, err := newDB.DB()
	if err != nil {
		zap.S().Named("gorm").Errorf("failed to configure connections: %v", err)
		return nil, err
	}

	if cfg.Database.Type != "pgsql" {
		// sqlite serializes writers; a single connection turns lock contention
		// into waiting instead of SQLITE_BUSY errors.
		sqlDB.SetMaxOpenConns(1)
		if err := newDB.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", sqliteBusyTimeout)).Error; err != nil {
			return nil, err
		}
		return newDB, nil
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	var version string
	if result := newDB.Raw("SELECT version()").Scan(&version); result.Error != nil {
		zap.S().Named("gorm").Errorw("failed to read the server version", "error", result.Error)
		return nil, result.Error
	}
	zap.S().Named("gorm").Infof("PostgreSQL information: '%s'", version)

	return newDB, nil
}

func dialector(cfg *config.Config) gorm.Dialector {
	if cfg.Database.Type != "pgsql" {
		return sqlite.Open(cfg.Database.Name)
	}

	dsn := fmt.Sprintf("host=%s user=%s password=%s port=%s",
		cfg.Database.Hostname,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Port,
	)
	if cfg.Database.Name != "" {
		dsn = fmt.Sprintf("%s dbname=%s", dsn, cfg.Database.Name)
	}
	return postgres.Open(dsn)
}

// newGormLogger reports slow queries and errors, and every statement at debug level.
func newGormLogger(level string) logger.Interface {
	writer := logrus.New()
	writer.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})

	gormLevel := logger.Warn
	if lvl, err := logrus.ParseLevel(level); err == nil {
		writer.SetLevel(lvl)
		if lvl >= logrus.DebugLevel {
			gormLevel = logger.Info
		}
	}

	return logger.New(writer, logger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  gormLevel,
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
		Colorful:                  false,
	})
}
