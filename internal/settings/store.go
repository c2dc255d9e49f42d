// Package settings stores durable per-character cadence and bookkeeping state.
package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"personago/internal/storage"
)

var ErrLockTimeout = errors.New("settings lock not acquired")

// Locker serializes writers across processes. Unlock must be safe to call once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Store keeps one settings record per character in character_settings.
// Writers for the same character are serialized by Mutate.
type Store struct {
	db     *sql.DB
	driver string
	locker Locker
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(db *sql.DB, driver string) *Store {
	return &Store{
		db:     db,
		driver: storage.Normalize(driver),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// SetLocker adds a cross-process lock taken around every Mutate.
func (s *Store) SetLocker(l Locker) {
	s.locker = l
}

// Get returns the record for characterID, creating an empty one when absent.
func (s *Store) Get(ctx context.Context, characterID string) (Settings, error) {
	settings, found, err := s.load(ctx, s.db, characterID, false)
	if err != nil {
		return nil, err
	}
	if found {
		return settings, nil
	}
	if err := s.insert(ctx, s.db, characterID, settings); err != nil && !storage.IsUniqueViolation(err) {
		return nil, err
	}
	return settings, nil
}

// Update merges the top-level sections of partial into the stored record.
func (s *Store) Update(ctx context.Context, characterID string, partial Settings) error {
	_, err := s.Mutate(ctx, characterID, func(current Settings) error {
		for k, v := range partial {
			current[k] = v
		}
		return nil
	})
	return err
}

// Mutate runs fn against the current record and commits the result atomically.
// Only one Mutate per character runs at a time; an error from fn aborts the write.
func (s *Store) Mutate(ctx context.Context, characterID string, fn func(Settings) error) (Settings, error) {
	if characterID == "" {
		return nil, fmt.Errorf("character id must be provided")
	}
	keyLock := s.keyLock(characterID)
	keyLock.Lock()
	defer keyLock.Unlock()

	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, "settings:"+characterID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, err)
		}
		defer unlock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin settings tx: %w", err)
	}
	defer tx.Rollback()

	current, found, err := s.load(ctx, tx, characterID, true)
	if err != nil {
		return nil, err
	}
	if err := fn(current); err != nil {
		return nil, err
	}
	if found {
		err = s.update(ctx, tx, characterID, current)
	} else {
		err = s.insert(ctx, tx, characterID, current)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit settings: %w", err)
	}
	return current, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) load(ctx context.Context, q querier, characterID string, forUpdate bool) (Settings, bool, error) {
	query := `SELECT settings FROM character_settings WHERE character_id = ?`
	if forUpdate {
		query += storage.ForUpdate(s.driver)
	}
	var raw string
	err := q.QueryRowContext(ctx, storage.Rebind(s.driver, query), characterID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load settings: %w", err)
	}
	settings := Settings{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			return nil, false, fmt.Errorf("decode settings for %s: %w", characterID, err)
		}
	}
	return settings, true, nil
}

func (s *Store) insert(ctx context.Context, q querier, characterID string, settings Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = q.ExecContext(ctx, storage.Rebind(s.driver,
		`INSERT INTO character_settings (character_id, settings, updated_at) VALUES (?, ?, ?)`),
		characterID, string(raw), s.now().UTC())
	if err != nil {
		return fmt.Errorf("insert settings: %w", err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, q querier, characterID string, settings Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = q.ExecContext(ctx, storage.Rebind(s.driver,
		`UPDATE character_settings SET settings = ?, updated_at = ? WHERE character_id = ?`),
		string(raw), s.now().UTC(), characterID)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}

func (s *Store) keyLock(characterID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[characterID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[characterID] = l
	}
	return l
}
