package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sharemarket/core/events"
	"sharemarket/core/types"
)

var (
	// ErrPathRequired is returned when the journal path is missing.
	ErrPathRequired = errors.New("marketd storage path must be configured")
	// ErrNotConfigured is returned by methods invoked on a nil journal.
	ErrNotConfigured = errors.New("marketd storage not configured")
)

// Chain reports the block an event was committed in.
type Chain interface {
	BlockNumber() uint64
	Now() int64
}

// EventRecord is the persisted form of one committed marketplace event.
type EventRecord struct {
	Seq        int64     `gorm:"primaryKey;autoIncrement"`
	EventID    uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Type       string    `gorm:"index;not null"`
	Attributes string    `gorm:"not null"`
	Block      uint64    `gorm:"not null"`
	BlockTime  int64     `gorm:"not null"`
	RecordedAt time.Time `gorm:"not null"`
}

// TableName pins the table name independent of gorm's pluralisation rules.
func (EventRecord) TableName() string { return "events" }

// Record is one journal entry as returned to API clients.
type Record struct {
	Seq        int64             `json:"seq"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Block      uint64            `json:"block"`
	BlockTime  int64             `json:"blockTime"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// Filter narrows a journal query. Zero values match everything.
type Filter struct {
	Type  string
	After int64
	Limit int
}

// Journal persists committed marketplace events so indexers can page through
// history. It implements events.Emitter.
type Journal struct {
	db    *gorm.DB
	chain Chain
	now   func() time.Time
}

// Open connects to the journal database. Postgres URLs select the postgres
// driver; anything else is treated as a SQLite DSN.
func Open(dsn string, chain Chain) (*Journal, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Journal{db: db, chain: chain, now: time.Now}, nil
}

// Close releases database resources.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit implements events.Emitter. Persistence failures are logged and do not
// affect the committed transaction.
func (j *Journal) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok || j == nil {
		return
	}
	if _, err := j.Append(context.Background(), payload.Event()); err != nil {
		slog.Warn("marketd: journal append failed", "type", evt.EventType(), "error", err)
	}
}

// Append stores a single event and returns its record.
func (j *Journal) Append(ctx context.Context, evt *types.Event) (Record, error) {
	if j == nil || j.db == nil {
		return Record{}, ErrNotConfigured
	}
	if evt == nil {
		return Record{}, fmt.Errorf("event required")
	}
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return Record{}, fmt.Errorf("encode attributes: %w", err)
	}
	row := EventRecord{
		EventID:    uuid.New(),
		Type:       evt.Type,
		Attributes: string(encoded),
		RecordedAt: j.now().UTC(),
	}
	if j.chain != nil {
		row.Block = j.chain.BlockNumber()
		row.BlockTime = j.chain.Now()
	}
	if err := j.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Record{}, fmt.Errorf("insert event: %w", err)
	}
	return toRecord(row, attrs), nil
}

// List returns events in commit order.
func (j *Journal) List(ctx context.Context, f Filter) ([]Record, error) {
	if j == nil || j.db == nil {
		return nil, ErrNotConfigured
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := j.db.WithContext(ctx).Where("seq > ?", f.After)
	if t := strings.TrimSpace(f.Type); t != "" {
		query = query.Where("type = ?", t)
	}
	var rows []EventRecord
	if err := query.Order("seq ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		var attrs map[string]string
		if err := json.Unmarshal([]byte(row.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
		out = append(out, toRecord(row, attrs))
	}
	return out, nil
}

func toRecord(row EventRecord, attrs map[string]string) Record {
	return Record{
		Seq:        row.Seq,
		ID:         row.EventID.String(),
		Type:       row.Type,
		Attributes: attrs,
		Block:      row.Block,
		BlockTime:  row.BlockTime,
		RecordedAt: row.RecordedAt,
	}
}
