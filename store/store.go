/*
 * MailChat - Copyright (C) 2022 Zane van Iperen.
 *    Contact: zane@zanevaniperen.com
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 2, and only
 * version 2 as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program; if not, write to the Free Software
 * Foundation, Inc., 59 Temple Place, Suite 330, Boston, MA  02111-1307  USA
 */

// Package store persists an account in a single SQLite database. All access
// goes through Transact; the database is limited to one connection so
// transactions are strictly serialised.
package store

import (
	"context"
	"database/sql"
	"embed"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/errdefs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type Config struct {
	// Path of the database file. Created if missing.
	Path   string
	Logger *log.Entry
}

type Store struct {
	db  *sqlx.DB
	log *log.Entry
}

// Tx is an open transaction. It must not be used after the function passed
// to Transact returns.
type Tx struct {
	tx       *sqlx.Tx
	ctx      context.Context
	onCommit []func()
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	return "file:" + path + "?" + q.Encode()
}

func Open(cfg *Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	db, err := sqlx.Open("sqlite", dsn(cfg.Path))
	if err != nil {
		return nil, errdefs.Storage(errors.Wrap(err, "opening sqlite db"))
	}

	if err := migrateUp(db.DB); err != nil {
		_ = db.Close()
		return nil, errdefs.Storage(errors.Wrap(err, "running migrations"))
	}

	db.SetMaxOpenConns(1)

	logger.WithField("path", cfg.Path).Debug("store_opened")
	return &Store{db: db, log: logger}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}

	drv, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return err
	}

	// m.Close() would close db as well, so it is deliberately not called.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Transact runs fn inside a transaction. The transaction commits if fn
// returns nil and rolls back otherwise. Hooks registered with Tx.OnCommit
// run after a successful commit, in registration order.
func (s *Store) Transact(ctx context.Context, fn func(tx *Tx) error) error {
	sqltx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errdefs.Storage(errors.Wrap(err, "beginning transaction"))
	}
	defer func() { _ = sqltx.Rollback() }()

	tx := &Tx{tx: sqltx, ctx: ctx}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqltx.Commit(); err != nil {
		return errdefs.Storage(errors.Wrap(err, "committing transaction"))
	}

	for _, f := range tx.onCommit {
		f()
	}
	return nil
}

// OnCommit registers f to run once the transaction has committed.
func (tx *Tx) OnCommit(f func()) {
	tx.onCommit = append(tx.onCommit, f)
}

func (tx *Tx) Context() context.Context {
	return tx.ctx
}

func (tx *Tx) exec(query string, args ...interface{}) (sql.Result, error) {
	return tx.tx.ExecContext(tx.ctx, query, args...)
}

func (tx *Tx) get(dest interface{}, query string, args ...interface{}) (bool, error) {
	err := tx.tx.GetContext(tx.ctx, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

func (tx *Tx) selectRows(dest interface{}, query string, args ...interface{}) error {
	return tx.tx.SelectContext(tx.ctx, dest, query, args...)
}

func wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errdefs.Storage(errors.Wrap(err, msg))
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Config values are opaque blobs keyed by name.

func (tx *Tx) GetConfig(key string) ([]byte, error) {
	var v []byte
	found, err := tx.get(&v, `SELECT value FROM config WHERE key = ?`, key)
	if err != nil {
		return nil, wrap(err, "reading config")
	} else if !found {
		return nil, nil
	}
	return v, nil
}

func (tx *Tx) SetConfig(key string, value []byte) error {
	_, err := tx.exec(`INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return wrap(err, "writing config")
}
