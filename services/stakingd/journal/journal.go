package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stakepool/core/events"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Entry is one journaled pool or ledger event.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Type       string    `gorm:"index" json:"type"`
	Account    string    `gorm:"index" json:"account,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Attributes string    `json:"attributes"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// Open connects to the journal database for the supplied driver.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		if strings.TrimSpace(dsn) == "" {
			dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
		}
		return gorm.Open(sqlite.Open(dsn), cfg)
	case DriverPostgres:
		if strings.TrimSpace(dsn) == "" {
			return nil, fmt.Errorf("journal: postgres dsn required")
		}
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
}

// Journal persists every event it receives. It implements events.Emitter so
// it can sit behind the engine and ledger emitters.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	queue  chan queued
	closed bool
	done   chan struct{}
}

type queued struct {
	evt events.Event
	at  time.Time
}

// New migrates the schema and returns a journal backed by db.
func New(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Journal{db: db, logger: log, now: time.Now}, nil
}

// Start moves inserts onto a background writer fed by a queue of size
// entries. Emit then only blocks when the queue is full. Close drains it.
func (j *Journal) Start(size int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.queue != nil || j.closed {
		return
	}
	if size <= 0 {
		size = 1
	}
	j.queue = make(chan queued, size)
	j.done = make(chan struct{})
	go j.drain(j.queue, j.done)
}

func (j *Journal) drain(queue <-chan queued, done chan<- struct{}) {
	defer close(done)
	for item := range queue {
		j.store(item.evt, item.at)
	}
}

// Close flushes queued events and stops the background writer. Later events
// are written synchronously.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.queue == nil || j.closed {
		j.closed = true
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	done := j.done
	j.mu.Unlock()
	<-done
	return nil
}

// Emit implements events.Emitter. Failures are logged; the pool state change
// that produced the event has already been committed.
func (j *Journal) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	at := j.now().UTC()
	j.mu.RLock()
	if j.queue != nil && !j.closed {
		j.queue <- queued{evt: evt, at: at}
		j.mu.RUnlock()
		return
	}
	j.mu.RUnlock()
	j.store(evt, at)
}

func (j *Journal) store(evt events.Event, at time.Time) {
	if err := j.record(context.Background(), evt, at); err != nil {
		j.logger.Error("journal: record event failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// Record stores evt.
func (j *Journal) Record(ctx context.Context, evt events.Event) error {
	return j.record(ctx, evt, j.now().UTC())
}

func (j *Journal) record(ctx context.Context, evt events.Event, at time.Time) error {
	if evt == nil {
		return nil
	}
	payload := evt.Event()
	if payload == nil {
		return nil
	}
	attrs, err := json.Marshal(payload.Attributes)
	if err != nil {
		return err
	}
	entry := Entry{
		ID:         uuid.New(),
		Type:       payload.Type,
		Account:    accountOf(payload.Attributes),
		Amount:     payload.Attributes["amount"],
		Attributes: string(attrs),
		CreatedAt:  at,
	}
	return j.db.WithContext(ctx).Create(&entry).Error
}

// History returns the newest entries for account, newest first.
func (j *Journal) History(ctx context.Context, account string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	var entries []Entry
	err := j.db.WithContext(ctx).
		Where("account = ?", strings.TrimSpace(account)).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func accountOf(attrs map[string]string) string {
	for _, key := range []string{"addr", "authority", "from"} {
		if value := strings.TrimSpace(attrs[key]); value != "" {
			return value
		}
	}
	return strings.TrimSpace(attrs["to"])
}
