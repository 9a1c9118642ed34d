// Package sqlstore implements store.Store on SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"auditflow/internal/db"
	"auditflow/internal/migrate"
	"auditflow/internal/store"
)

// tsLayout is fixed width so text comparison orders timestamps.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	DB *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database of cfg and migrates it.
func Open(ctx context.Context, cfg db.Config) (*Store, error) {
	conn, err := db.Open(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: conn}, nil
}

func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// View runs fn in a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(&sqlTx{tx: tx})
}

func (s *Store) Close() error { return s.DB.Close() }

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Definitions() store.DefinitionStore     { return definitions{t.tx} }
func (t *sqlTx) Instances() store.InstanceStore         { return instances{t.tx} }
func (t *sqlTx) Assignments() store.AssignmentStore     { return assignments{t.tx} }
func (t *sqlTx) Votes() store.VoteStore                 { return votes{t.tx} }
func (t *sqlTx) Timeline() store.TimelineStore          { return timeline{t.tx} }
func (t *sqlTx) Escalations() store.EscalationStore     { return escalations{t.tx} }
func (t *sqlTx) Notifications() store.NotificationStore { return notifications{t.tx} }
func (t *sqlTx) Users() store.Directory                 { return users{t.tx} }

type scanner interface {
	Scan(dest ...any) error
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func formatTime(t time.Time) string { return t.UTC().Format(tsLayout) }

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func toJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullableJSON(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	return toJSON(v)
}

func fromJSON(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), v)
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
