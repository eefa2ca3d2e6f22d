package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type kvRecord struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (kvRecord) TableName() string {
	return "kv_records"
}

// SQLite keeps values in a single table of a SQLite database.
type SQLite struct {
	notifier
	db *gorm.DB
}

var _ Store = (*SQLite)(nil)

func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: NewGormLogger(slog.Default())})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// sqlite allows one writer at a time
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&kvRecord{}); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	var records []kvRecord
	q := s.db.WithContext(ctx)
	if len(keys) > 0 {
		q = q.Where(map[string]any{"key": keys})
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("read values: %w", err)
	}
	out := make(map[string]json.RawMessage, len(records))
	for _, r := range records {
		out[r.Key] = json.RawMessage(r.Value)
	}
	return out, nil
}

func (s *SQLite) Set(ctx context.Context, values map[string]any, silent bool) error {
	encoded, err := encode(values)
	if err != nil {
		return err
	}

	var changes []Change
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for key, value := range encoded {
			var old kvRecord
			err := tx.Where(map[string]any{"key": key}).Take(&old).Error
			exists := err == nil
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if !changed(json.RawMessage(old.Value), value, exists) {
				continue
			}
			record := kvRecord{Key: key, Value: string(value), UpdatedAt: time.Now()}
			err = tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&record).Error
			if err != nil {
				return err
			}
			changes = append(changes, Change{Key: key, Value: value, Silent: silent})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write values: %w", err)
	}

	s.publish(changes)
	return nil
}

func (s *SQLite) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// GormLogger routes gorm's logging to slog.
type GormLogger struct {
	logger   *slog.Logger
	LogLevel logger.LogLevel
}

func NewGormLogger(l *slog.Logger) *GormLogger {
	return &GormLogger{logger: l, LogLevel: logger.Warn}
}

func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	c := *l
	c.LogLevel = level
	return &c
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	attrs := []any{slog.String("sql", sql), slog.Int64("rows", rows), slog.Duration("elapsed", elapsed)}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.LogLevel >= logger.Error:
		l.logger.ErrorContext(ctx, "SQL failed", append(attrs, slog.Any("error", err))...)
	case elapsed > time.Second && l.LogLevel >= logger.Warn:
		l.logger.WarnContext(ctx, "Slow SQL", attrs...)
	case l.LogLevel >= logger.Info:
		l.logger.DebugContext(ctx, "SQL", attrs...)
	}
}
