package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DavidNemeth/TimeSheet-App/models"
)

// Open connects to Postgres and migrates the schema.
func Open(dsn string, lg *zap.Logger) (*gorm.DB, error) {
	return OpenDialector(postgres.Open(dsn), lg)
}

// OpenDialector connects through any gorm dialector and migrates the schema.
func OpenDialector(dialector gorm.Dialector, lg *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(lg),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Auto migrate the schema
	if err := db.AutoMigrate(&models.TimesheetEntry{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// newGormLogger routes SQL logging through zap at a level derived from the zap core.
func newGormLogger(lg *zap.Logger) gormlogger.Interface {
	if lg == nil {
		return gormlogger.Default.LogMode(gormlogger.Silent)
	}
	level := gormlogger.Warn
	if lg.Core().Enabled(zapcore.DebugLevel) {
		level = gormlogger.Info
	}
	return gormlogger.New(zapWriter{lg.Sugar().Named("gorm")}, gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}

type zapWriter struct {
	sugar *zap.SugaredLogger
}

func (w zapWriter) Printf(format string, args ...interface{}) {
	w.sugar.Debugf(format, args...)
}
