// Package eventlog persists emitted aggregator events so indexers can replay
// them. Postgres is used for postgres DSNs and sqlite for everything else.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"archimedes/core/events"
	nativecommon "archimedes/native/common"
)

// ErrDSNRequired is returned when no database location is configured.
var ErrDSNRequired = errors.New("eventlog: dsn must be configured")

// Record is one persisted event.
type Record struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Height     uint64    `gorm:"index"`
	Type       string    `gorm:"index;not null"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// TableName pins the table name independent of the struct name.
func (Record) TableName() string { return "aggregator_events" }

// Attrs decodes the stored attribute map.
func (r Record) Attrs() (map[string]string, error) {
	attrs := map[string]string{}
	if strings.TrimSpace(r.Attributes) == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
		return nil, fmt.Errorf("eventlog: decode attributes: %w", err)
	}
	return attrs, nil
}

// Store implements events.Emitter on top of a gorm database.
type Store struct {
	db     *gorm.DB
	clock  nativecommon.HeightSource
	logger *slog.Logger

	mu      sync.Mutex
	seq     uint64
	lastErr error
}

// Open connects to dsn and migrates the schema.
func Open(dsn string, clock nativecommon.HeightSource, logger *slog.Logger) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	db, err := gorm.Open(dialector(trimmed), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("eventlog: open database: %w", err)
	}
	return New(db, clock, logger)
}

func dialector(dsn string) gorm.Dialector {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.Contains(lower, "host=") {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB, clock nativecommon.HeightSource, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, ErrDSNRequired
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	var last Record
	res := db.Order("sequence desc").Limit(1).Find(&last)
	if res.Error != nil {
		return nil, fmt.Errorf("eventlog: load sequence: %w", res.Error)
	}
	return &Store{
		db:     db,
		clock:  clock,
		logger: logger.With(slog.String("component", "eventlog")),
		seq:    last.Sequence,
	}, nil
}

// Emit persists the event. Failures are logged and reported by Err; the
// state change that produced the event has already been applied.
func (s *Store) Emit(ev events.Event) {
	if s == nil || ev == nil {
		return
	}
	if err := s.Append(context.Background(), ev); err != nil {
		s.logger.Warn("persist event failed",
			slog.String("type", ev.EventType()),
			slog.Any("error", err))
	}
}

// Append persists the event and returns any database error.
func (s *Store) Append(ctx context.Context, ev events.Event) error {
	flat := events.Flatten(ev)
	attrs, err := json.Marshal(flat.Attributes)
	if err != nil {
		return fmt.Errorf("eventlog: encode attributes: %w", err)
	}
	var height uint64
	if s.clock != nil {
		height = s.clock.Height()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	record := Record{
		ID:         uuid.New(),
		Sequence:   s.seq + 1,
		Height:     height,
		Type:       flat.Type,
		Attributes: string(attrs),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.lastErr = err
		return fmt.Errorf("eventlog: insert: %w", err)
	}
	s.seq = record.Sequence
	return nil
}

// Err returns the most recent persistence failure.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// List returns events in emission order. An empty type returns all events.
func (s *Store) List(ctx context.Context, eventType string) ([]Record, error) {
	query := s.db.WithContext(ctx).Order("sequence asc")
	if eventType = strings.TrimSpace(eventType); eventType != "" {
		query = query.Where("type = ?", eventType)
	}
	var records []Record
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("eventlog: list: %w", err)
	}
	return records, nil
}

// Since returns events recorded at or above height in emission order.
func (s *Store) Since(ctx context.Context, height uint64) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).Where("height >= ?", height).Order("sequence asc").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("eventlog: since: %w", err)
	}
	return records, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
