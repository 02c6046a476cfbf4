// Package pgstore keeps rooms in Postgres: one row per code holding the room
// document and its version. Changes are announced with NOTIFY.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/kaataq/internal/engine"
	"github.com/DoyleJ11/kaataq/internal/store"
)

const (
	channel          = "kaataq_rooms"
	subscriberBuffer = 32
	reconnectDelay   = time.Second
)

// roomRecord outlives its room: Delete clears Doc but keeps the row, so the
// version keeps counting when the code is reused.
type roomRecord struct {
	Code      string  `gorm:"primaryKey;size:4"`
	Version   int64   `gorm:"not null"`
	Doc       *string `gorm:"type:jsonb"`
	UpdatedAt time.Time
}

func (roomRecord) TableName() string { return "rooms" }

type Store struct {
	db   *gorm.DB
	pool *pgxpool.Pool
	log  *zap.Logger

	mu       sync.Mutex
	watchers map[string]map[int]chan store.Snapshot
	nextID   int

	changed chan string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

var _ store.Store = (*Store)(nil)

// Open connects, migrates the rooms table and starts listening for changes.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&roomRecord{}); err != nil {
		return nil, multierr.Append(fmt.Errorf("migrate rooms: %w", err), closeDB(db))
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("open listener pool: %w", err), closeDB(db))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		db:       db,
		pool:     pool,
		log:      log,
		watchers: map[string]map[int]chan store.Snapshot{},
		changed:  make(chan string, 256),
		ctx:      runCtx,
		cancel:   cancel,
	}
	s.wg.Go(s.listen)
	s.wg.Go(s.dispatch)
	return s, nil
}

func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	s.pool.Close()
	return closeDB(s.db)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Get(ctx context.Context, code string) (store.Snapshot, error) {
	var rec roomRecord
	err := s.db.WithContext(ctx).First(&rec, "code = ? AND doc IS NOT NULL", code).Error
	if err != nil {
		return store.Snapshot{}, dbErr(err)
	}
	return toSnapshot(rec)
}

func (s *Store) Set(ctx context.Context, code string, room engine.Room) (int64, error) {
	doc, err := store.Encode(room)
	if err != nil {
		return 0, err
	}
	var version int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Raw(`INSERT INTO rooms (code, version, doc, updated_at) VALUES (?, 1, ?, now())
			ON CONFLICT (code) DO UPDATE SET version = rooms.version + 1, doc = EXCLUDED.doc, updated_at = now()
			RETURNING version`, code, string(doc)).Scan(&version).Error
		if err != nil {
			return err
		}
		return notify(tx, code)
	})
	return version, dbErr(err)
}

func (s *Store) CompareAndSet(ctx context.Context, code string, expected int64, room engine.Room) (int64, error) {
	doc, err := store.Encode(room)
	if err != nil {
		return 0, err
	}

	var version int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res *gorm.DB
		if expected == 0 {
			// Absent means no row or a cleared one.
			res = tx.Raw(`INSERT INTO rooms (code, version, doc, updated_at) VALUES (?, 1, ?, now())
				ON CONFLICT (code) DO UPDATE SET version = rooms.version + 1, doc = EXCLUDED.doc, updated_at = now()
				WHERE rooms.doc IS NULL
				RETURNING version`, code, string(doc)).Scan(&version)
		} else {
			res = tx.Model(&roomRecord{}).
				Where("code = ? AND version = ? AND doc IS NOT NULL", code, expected).
				Updates(map[string]any{
					"version":    gorm.Expr("version + 1"),
					"doc":        string(doc),
					"updated_at": time.Now(),
				})
			version = expected + 1
		}
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrConflict
		}
		return notify(tx, code)
	})
	if err != nil {
		return 0, dbErr(err)
	}
	return version, nil
}

func (s *Store) Update(ctx context.Context, code string, fields map[string]any) (int64, error) {
	var version int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec roomRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, "code = ? AND doc IS NOT NULL", code).Error
		if err != nil {
			return err
		}
		room, err := store.Decode([]byte(*rec.Doc))
		if err != nil {
			return err
		}
		merged, err := store.Merge(room, fields)
		if err != nil {
			return err
		}
		doc, err := store.Encode(merged)
		if err != nil {
			return err
		}

		version = rec.Version + 1
		err = tx.Model(&roomRecord{}).Where("code = ?", code).Updates(map[string]any{
			"version":    version,
			"doc":        string(doc),
			"updated_at": time.Now(),
		}).Error
		if err != nil {
			return err
		}
		return notify(tx, code)
	})
	return version, dbErr(err)
}

func (s *Store) Delete(ctx context.Context, code string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&roomRecord{}).
			Where("code = ? AND doc IS NOT NULL", code).
			Updates(map[string]any{
				"version":    gorm.Expr("version + 1"),
				"doc":        nil,
				"updated_at": time.Now(),
			})
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		return notify(tx, code)
	})
	return dbErr(err)
}

// Subscribe registers a watcher and queues a refresh so the current value
// reaches it through the same path as every later change.
func (s *Store) Subscribe(ctx context.Context, code string) (<-chan store.Snapshot, error) {
	if s.ctx.Err() != nil {
		return nil, store.ErrUnavailable
	}
	out := make(chan store.Snapshot, subscriberBuffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.watchers[code] == nil {
		s.watchers[code] = map[int]chan store.Snapshot{}
	}
	s.watchers[code][id] = out
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		s.unwatch(code, id)
	}()

	select {
	case s.changed <- code:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, store.ErrUnavailable
	}
	return out, nil
}

func (s *Store) unwatch(code string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.watchers[code][id]; ok {
		close(ch)
		delete(s.watchers[code], id)
		if len(s.watchers[code]) == 0 {
			delete(s.watchers, code)
		}
	}
}

// listen holds one connection in LISTEN and forwards each notified code.
func (s *Store) listen() {
	for s.ctx.Err() == nil {
		if err := s.listenOnce(); err != nil && s.ctx.Err() == nil {
			s.log.Warn("room listener lost, reconnecting", zap.Error(err))
			select {
			case <-time.After(reconnectDelay):
			case <-s.ctx.Done():
			}
		}
	}
}

func (s *Store) listenOnce() error {
	conn, err := s.pool.Acquire(s.ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(s.ctx, "LISTEN "+channel); err != nil {
		return err
	}
	// Anything may have changed while we were not listening.
	s.refreshAll()

	for {
		n, err := conn.Conn().WaitForNotification(s.ctx)
		if err != nil {
			return err
		}
		select {
		case s.changed <- n.Payload:
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *Store) refreshAll() {
	s.mu.Lock()
	codes := make([]string, 0, len(s.watchers))
	for code := range s.watchers {
		codes = append(codes, code)
	}
	s.mu.Unlock()

	for _, code := range codes {
		select {
		case s.changed <- code:
		case <-s.ctx.Done():
			return
		}
	}
}

// dispatch reads the current row for each changed code and fans it out.
// Running on one goroutine keeps every watcher's snapshots in order.
func (s *Store) dispatch() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case code := <-s.changed:
			s.mu.Lock()
			watched := len(s.watchers[code]) > 0
			s.mu.Unlock()
			if !watched {
				continue
			}

			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			snap, err := s.Get(ctx, code)
			cancel()
			switch {
			case errors.Is(err, store.ErrNotFound):
				snap = store.Snapshot{Code: code}
			case err != nil:
				s.log.Warn("room refresh failed", zap.String("code", code), zap.Error(err))
				continue
			}
			s.fanOut(code, snap)
		}
	}
}

func (s *Store) fanOut(code string, snap store.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.watchers[code] {
		select {
		case ch <- snap:
		default:
			// Subscriber is slow/full - drop them.
			close(ch)
			delete(s.watchers[code], id)
		}
	}
}

func notify(tx *gorm.DB, code string) error {
	return tx.Exec("SELECT pg_notify(?, ?)", channel, code).Error
}

func toSnapshot(rec roomRecord) (store.Snapshot, error) {
	if rec.Doc == nil {
		return store.Snapshot{}, store.ErrNotFound
	}
	room, err := store.Decode([]byte(*rec.Doc))
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("%w: decode room %s: %w", store.ErrUnavailable, rec.Code, err)
	}
	return store.Snapshot{Code: rec.Code, Version: rec.Version, Room: &room}, nil
}

func dbErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrInvalid):
		return err
	default:
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
}
