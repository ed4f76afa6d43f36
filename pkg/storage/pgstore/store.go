// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pgstore implements storage.RecordStore on PostgreSQL. A stream is
// one database transaction; serialization failures surface as
// storage.ErrGenerationFull so storage.Do replays the unit.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/turtacn/emqx-engine/pkg/storage"
)

// Config holds the PostgreSQL connection settings.
type Config struct {
	DSN             string        `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	HealthTimeout   time.Duration `json:"health_timeout" yaml:"health_timeout"`
}

var schema = []string{
	`CREATE SEQUENCE IF NOT EXISTS engine_handles`,
	`CREATE TABLE IF NOT EXISTS engine_records (
		handle    BIGINT PRIMARY KEY,
		type      SMALLINT NOT NULL,
		attribute BIGINT NOT NULL DEFAULT 0,
		state     BIGINT NOT NULL DEFAULT 0,
		data      BYTEA
	)`,
	`CREATE TABLE IF NOT EXISTS engine_references (
		owner      BIGINT NOT NULL,
		handle     BIGINT NOT NULL,
		order_id   BIGINT NOT NULL,
		ref_handle BIGINT NOT NULL,
		value      BIGINT NOT NULL,
		state      SMALLINT NOT NULL,
		PRIMARY KEY (owner, handle)
	)`,
	`CREATE TABLE IF NOT EXISTS engine_states (
		owner  BIGINT NOT NULL,
		handle BIGINT NOT NULL,
		value  BIGINT NOT NULL,
		PRIMARY KEY (owner, handle)
	)`,
	`CREATE TABLE IF NOT EXISTS engine_watermarks (
		owner      BIGINT PRIMARY KEY,
		min_active BIGINT NOT NULL
	)`,
}

// Store is a PostgreSQL-backed record store.
type Store struct {
	db            *sql.DB
	healthTimeout time.Duration
}

// Open connects to PostgreSQL and creates the schema if needed.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	timeout := cfg.HealthTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	log.Printf("[INFO] Connected PostgreSQL record store")
	return &Store{db: db, healthTimeout: timeout}, nil
}

// translate maps driver errors onto the store error taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: %v", storage.ErrClosed, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "40": // transaction rollback: serialization failure, deadlock
			return fmt.Errorf("%w: %s", storage.ErrGenerationFull, pqErr.Message)
		case "53": // insufficient resources
			return fmt.Errorf("%w: %s", storage.ErrGenerationFull, pqErr.Message)
		}
	}
	return err
}

// NewStream begins a transaction.
func (s *Store) NewStream() (storage.Stream, error) {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, translate(err)
	}
	return &stream{tx: tx}, nil
}

// Health pings the database.
func (s *Store) Health() storage.Health {
	ctx, cancel := context.WithTimeout(context.Background(), s.healthTimeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		log.Printf("[WARN] PostgreSQL record store unhealthy: %v", err)
		return storage.HealthDegraded
	}
	return storage.HealthOK
}

func (s *Store) ReadRecord(ctx context.Context, h storage.Handle) (storage.Record, error) {
	var rec storage.Record
	var typ int16
	var attr, state int64
	err := s.db.QueryRowContext(ctx,
		`SELECT type, attribute, state, data FROM engine_records WHERE handle = $1`, int64(h)).
		Scan(&typ, &attr, &state, &rec.Data)
	if err != nil {
		return storage.Record{}, translate(err)
	}
	rec.Type = storage.RecordType(typ)
	rec.Attribute = storage.Handle(attr)
	rec.State = uint64(state)
	return rec, nil
}

func (s *Store) Records(ctx context.Context, typ storage.RecordType, fn func(storage.Handle, storage.Record) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT handle, attribute, state, data FROM engine_records WHERE type = $1 ORDER BY handle`, int16(typ))
	if err != nil {
		return translate(err)
	}
	defer rows.Close()
	for rows.Next() {
		var h, attr, state int64
		rec := storage.Record{Type: typ}
		if err := rows.Scan(&h, &attr, &state, &rec.Data); err != nil {
			return err
		}
		rec.Attribute = storage.Handle(attr)
		rec.State = uint64(state)
		if err := fn(storage.Handle(h), rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) References(ctx context.Context, owner storage.Handle, fn func(storage.Handle, storage.Reference) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT handle, order_id, ref_handle, value, state FROM engine_references WHERE owner = $1 ORDER BY order_id`, int64(owner))
	if err != nil {
		return translate(err)
	}
	defer rows.Close()
	for rows.Next() {
		var h, orderID, refHandle, value int64
		var state int16
		if err := rows.Scan(&h, &orderID, &refHandle, &value, &state); err != nil {
			return err
		}
		ref := storage.Reference{
			OrderID:   uint64(orderID),
			RefHandle: storage.Handle(refHandle),
			Value:     uint32(value),
			State:     uint8(state),
		}
		if err := fn(storage.Handle(h), ref); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) States(ctx context.Context, owner storage.Handle, fn func(storage.Handle, uint32) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT handle, value FROM engine_states WHERE owner = $1 ORDER BY handle`, int64(owner))
	if err != nil {
		return translate(err)
	}
	defer rows.Close()
	for rows.Next() {
		var h, value int64
		if err := rows.Scan(&h, &value); err != nil {
			return err
		}
		if err := fn(storage.Handle(h), uint32(value)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) MinimumActiveOrderID(owner storage.Handle) uint64 {
	var v int64
	err := s.db.QueryRow(`SELECT min_active FROM engine_watermarks WHERE owner = $1`, int64(owner)).Scan(&v)
	if err != nil {
		return 0
	}
	return uint64(v)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type stream struct {
	tx   *sql.Tx
	done bool
}

func (st *stream) exec(query string, args ...interface{}) (sql.Result, error) {
	if st.done {
		return nil, storage.ErrClosed
	}
	res, err := st.tx.Exec(query, args...)
	return res, translate(err)
}

func (st *stream) expectRow(res sql.Result, h storage.Handle) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("record %d: %w", h, storage.ErrNotFound)
	}
	return nil
}

func (st *stream) nextHandle() (storage.Handle, error) {
	if st.done {
		return storage.NullHandle, storage.ErrClosed
	}
	var h int64
	if err := st.tx.QueryRow(`SELECT nextval('engine_handles')`).Scan(&h); err != nil {
		return storage.NullHandle, translate(err)
	}
	return storage.Handle(h), nil
}

func (st *stream) CreateRecord(rec storage.Record) (storage.Handle, error) {
	h, err := st.nextHandle()
	if err != nil {
		return storage.NullHandle, err
	}
	_, err = st.exec(`INSERT INTO engine_records (handle, type, attribute, state, data) VALUES ($1, $2, $3, $4, $5)`,
		int64(h), int16(rec.Type), int64(rec.Attribute), int64(rec.State), rec.Data)
	if err != nil {
		return storage.NullHandle, err
	}
	return h, nil
}

func (st *stream) UpdateRecord(h storage.Handle, rec storage.Record) error {
	res, err := st.exec(`UPDATE engine_records SET attribute = $2, state = $3, data = $4 WHERE handle = $1`,
		int64(h), int64(rec.Attribute), int64(rec.State), rec.Data)
	if err != nil {
		return err
	}
	return st.expectRow(res, h)
}

func (st *stream) UpdateRecordState(h storage.Handle, state uint64) error {
	res, err := st.exec(`UPDATE engine_records SET state = $2 WHERE handle = $1`, int64(h), int64(state))
	if err != nil {
		return err
	}
	return st.expectRow(res, h)
}

func (st *stream) DeleteRecord(h storage.Handle) error {
	res, err := st.exec(`DELETE FROM engine_records WHERE handle = $1`, int64(h))
	if err != nil {
		return err
	}
	if err := st.expectRow(res, h); err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM engine_references WHERE owner = $1`,
		`DELETE FROM engine_states WHERE owner = $1`,
		`DELETE FROM engine_watermarks WHERE owner = $1`,
	} {
		if _, err := st.exec(q, int64(h)); err != nil {
			return err
		}
	}
	return nil
}

func (st *stream) raiseWatermark(owner storage.Handle, v uint64) error {
	if v == 0 {
		return nil
	}
	_, err := st.exec(`INSERT INTO engine_watermarks (owner, min_active) VALUES ($1, $2)
		ON CONFLICT (owner) DO UPDATE SET min_active = GREATEST(engine_watermarks.min_active, EXCLUDED.min_active)`,
		int64(owner), int64(v))
	return err
}

func (st *stream) CreateReference(owner storage.Handle, ref storage.Reference, minActiveOrderID uint64) (storage.Handle, error) {
	if st.done {
		return storage.NullHandle, storage.ErrClosed
	}
	var minActive int64
	err := st.tx.QueryRow(`SELECT min_active FROM engine_watermarks WHERE owner = $1`, int64(owner)).Scan(&minActive)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return storage.NullHandle, translate(err)
	}
	if ref.OrderID < uint64(minActive) {
		return storage.NullHandle, fmt.Errorf("reference order id %d for owner %d: %w", ref.OrderID, owner, storage.ErrOrderIDBelowMinimum)
	}
	h, err := st.nextHandle()
	if err != nil {
		return storage.NullHandle, err
	}
	_, err = st.exec(`INSERT INTO engine_references (owner, handle, order_id, ref_handle, value, state) VALUES ($1, $2, $3, $4, $5, $6)`,
		int64(owner), int64(h), int64(ref.OrderID), int64(ref.RefHandle), int64(ref.Value), int16(ref.State))
	if err != nil {
		return storage.NullHandle, err
	}
	return h, st.raiseWatermark(owner, minActiveOrderID)
}

func (st *stream) DeleteReference(owner storage.Handle, h storage.Handle, minActiveOrderID uint64) error {
	if _, err := st.exec(`DELETE FROM engine_references WHERE owner = $1 AND handle = $2`, int64(owner), int64(h)); err != nil {
		return err
	}
	return st.raiseWatermark(owner, minActiveOrderID)
}

func (st *stream) CreateState(owner storage.Handle, value uint32) (storage.Handle, error) {
	h, err := st.nextHandle()
	if err != nil {
		return storage.NullHandle, err
	}
	_, err = st.exec(`INSERT INTO engine_states (owner, handle, value) VALUES ($1, $2, $3)`,
		int64(owner), int64(h), int64(value))
	if err != nil {
		return storage.NullHandle, err
	}
	return h, nil
}

func (st *stream) DeleteState(owner storage.Handle, h storage.Handle) error {
	_, err := st.exec(`DELETE FROM engine_states WHERE owner = $1 AND handle = $2`, int64(owner), int64(h))
	return err
}

func (st *stream) Commit(ctx context.Context) error {
	if st.done {
		return storage.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	st.done = true
	return translate(st.tx.Commit())
}

func (st *stream) Rollback() error {
	if st.done {
		return storage.ErrClosed
	}
	st.done = true
	return translate(st.tx.Rollback())
}
