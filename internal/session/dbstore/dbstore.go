// Package dbstore implements session.Store on a relational database via GORM.
// Two drivers are supported: SQLite through glebarez/sqlite (pure Go, WAL
// enabled) and PostgreSQL through pgx. TTL expiry is an expires_at column
// swept by a cron job, since SQL has no native key expiry.
package dbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"github.com/robfig/cron/v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/sage/internal/session"
)

// Config holds database store configuration. Exactly one of Path (SQLite) or
// DSN (PostgreSQL) must be set.
type Config struct {
	Path          string        // SQLite file path.
	DSN           string        // PostgreSQL DSN.
	TTL           time.Duration // Session lifetime; zero disables expiry.
	PurgeSchedule string        // Cron spec for the expiry sweep. Default: every 10 minutes.
}

// Store implements session.Store backed by SQLite or PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	ttl    time.Duration
	cron   *cron.Cron
}

// Open connects to the configured database, runs migrations and starts the
// expiry sweep when a TTL is set.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch {
	case cfg.DSN != "":
		var sqlDB *sql.DB
		sqlDB, err = sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres connection: %w", err)
		}
		db, err = gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormCfg)
	case cfg.Path != "":
		dir := filepath.Dir(cfg.Path)
		if mkErr := os.MkdirAll(dir, 0750); mkErr != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, mkErr)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	default:
		return nil, fmt.Errorf("dbstore requires a sqlite path or a postgres dsn")
	}
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(&SessionModel{}, &TraceEntryModel{}); err != nil {
		return nil, fmt.Errorf("migrating session tables: %w", err)
	}

	s := &Store{db: db, logger: slogger, ttl: cfg.TTL}

	if cfg.TTL > 0 {
		schedule := cfg.PurgeSchedule
		if schedule == "" {
			schedule = "@every 10m"
		}
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(schedule, s.purgeExpired); err != nil {
			return nil, fmt.Errorf("scheduling session purge: %w", err)
		}
		s.cron.Start()
	}

	slogger.Info("session database opened",
		slog.Bool("postgres", cfg.DSN != ""),
		slog.Duration("ttl", cfg.TTL))
	return s, nil
}

func (s *Store) Put(ctx context.Context, rec *session.Record) error {
	model, err := toSessionModel(rec, s.ttl)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", rec.Session.ID, err)
	}
	if err := s.db.WithContext(ctx).Save(model).Error; err != nil {
		return fmt.Errorf("storing session %s: %w", rec.Session.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*session.Record, error) {
	var model SessionModel
	err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	if model.ExpiresAt != nil && model.ExpiresAt.Before(time.Now().UTC()) {
		return nil, session.ErrNotFound
	}

	var traces []TraceEntryModel
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", id).
		Order("seq ASC").
		Find(&traces).Error; err != nil {
		return nil, fmt.Errorf("loading trace for session %s: %w", id, err)
	}

	rec, err := toSessionDomain(&model, traces)
	if err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) AppendTrace(ctx context.Context, id uuid.UUID, entries ...session.TraceEntry) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&SessionModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("checking session %s: %w", id, err)
	}
	if count == 0 {
		return session.ErrNotFound
	}
	models := make([]TraceEntryModel, len(entries))
	for i, e := range entries {
		models[i] = TraceEntryModel{
			SessionID:    id,
			Seq:          e.Seq,
			Stage:        string(e.Stage),
			InputDigest:  e.InputDigest,
			OutputDigest: e.OutputDigest,
			Timestamp:    e.Timestamp,
		}
	}
	if err := s.db.WithContext(ctx).Create(&models).Error; err != nil {
		return fmt.Errorf("appending trace for session %s: %w", id, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.db.WithContext(ctx).Delete(&TraceEntryModel{}, "session_id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting trace for session %s: %w", id, err)
	}
	if err := s.db.WithContext(ctx).Delete(&SessionModel{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// purgeExpired removes sessions past their expires_at, trace rows first.
func (s *Store) purgeExpired() {
	var ids []uuid.UUID
	if err := expired(s.db.Model(&SessionModel{})).Pluck("id", &ids).Error; err != nil {
		s.logger.Warn("session purge scan failed", slog.String("error", err.Error()))
		return
	}
	if len(ids) == 0 {
		return
	}
	if err := s.db.Delete(&TraceEntryModel{}, "session_id IN ?", ids).Error; err != nil {
		s.logger.Warn("session purge trace delete failed", slog.String("error", err.Error()))
		return
	}
	if err := s.db.Delete(&SessionModel{}, "id IN ?", ids).Error; err != nil {
		s.logger.Warn("session purge failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("purged expired sessions", slog.Int("count", len(ids)))
}

// Ping verifies database connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.cron != nil {
		s.cron.Stop()
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// Compile-time check.
var _ session.Store = (*Store)(nil)
