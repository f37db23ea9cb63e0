package kv

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/ppdb/ppdb/pkg/log"
	"github.com/ppdb/ppdb/pkg/ppdberr"
)

// SQLiteBackend stores the KV namespace in a single SQLite table
// (grounded on original_source/.../poly_db.c's schema
// and the WAL/busy-timeout tuning its caller applies).
type SQLiteBackend struct {
	db *sql.DB

	casCounter  atomic.Uint64
	flushBefore atomic.Int64

	stmtGet    *sql.Stmt
	stmtUpsert *sql.Stmt
	stmtDelete *sql.Stmt
}

// OpenSQLite opens (creating if necessary) a SQLite-backed store at
// path. ":memory:" is accepted for tests.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_cache_size=-8000&_temp_store=MEMORY",
		path,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, ppdberr.Wrap(ppdberr.IO, "open sqlite database", err)
	}
	db.SetMaxOpenConns(1) // SQLite allows exactly one writer; serialize through database/sql's pool.

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv_store (
			key       TEXT PRIMARY KEY,
			value     BLOB NOT NULL,
			flags     INTEGER NOT NULL,
			expiry    INTEGER NOT NULL,
			cas       INTEGER NOT NULL,
			stored_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_expiry ON kv_store(expiry) WHERE expiry != 0;
	`); err != nil {
		db.Close()
		return nil, ppdberr.Wrap(ppdberr.IO, "create kv_store schema", err)
	}

	b := &SQLiteBackend{db: db}

	var maxCAS sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(cas) FROM kv_store`).Scan(&maxCAS); err == nil {
		b.casCounter.Store(uint64(maxCAS.Int64))
	}

	if b.stmtGet, err = db.Prepare(`SELECT value, flags, expiry, cas, stored_at FROM kv_store WHERE key = ?`); err != nil {
		db.Close()
		return nil, ppdberr.Wrap(ppdberr.IO, "prepare get statement", err)
	}
	if b.stmtUpsert, err = db.Prepare(`
		INSERT INTO kv_store (key, value, flags, expiry, cas, stored_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, flags=excluded.flags,
			expiry=excluded.expiry, cas=excluded.cas, stored_at=excluded.stored_at
	`); err != nil {
		db.Close()
		return nil, ppdberr.Wrap(ppdberr.IO, "prepare upsert statement", err)
	}
	if b.stmtDelete, err = db.Prepare(`DELETE FROM kv_store WHERE key = ?`); err != nil {
		db.Close()
		return nil, ppdberr.Wrap(ppdberr.IO, "prepare delete statement", err)
	}

	return b, nil
}

func (b *SQLiteBackend) nextCAS() uint64 { return b.casCounter.Add(1) }

type row struct {
	value    []byte
	flags    uint32
	expiry   int64
	cas      uint64
	storedAt int64
}

func (b *SQLiteBackend) selectRow(ctx context.Context, key string) (*row, error) {
	var r row
	var casVal int64
	err := b.stmtGet.QueryRowContext(ctx, key).Scan(&r.value, &r.flags, &r.expiry, &casVal, &r.storedAt)
	if err == sql.ErrNoRows {
		return nil, ppdberr.New(ppdberr.NotFound, "key not found")
	}
	if err != nil {
		return nil, ppdberr.Wrap(ppdberr.IO, "select key", err)
	}
	r.cas = uint64(casVal)

	now := time.Now()
	if Expired(r.expiry, now) {
		_, _ = b.stmtDelete.ExecContext(ctx, key)
		return nil, ppdberr.New(ppdberr.NotFound, "key expired")
	}
	if fb := b.flushBefore.Load(); fb != 0 && now.Unix() >= fb && r.storedAt < fb {
		_, _ = b.stmtDelete.ExecContext(ctx, key)
		return nil, ppdberr.New(ppdberr.NotFound, "key flushed")
	}
	return &r, nil
}

func (b *SQLiteBackend) upsert(ctx context.Context, key string, value []byte, flags uint32, expiry int64, cas uint64) error {
	_, err := b.stmtUpsert.ExecContext(ctx, key, value, flags, expiry, int64(cas), time.Now().Unix())
	if err != nil {
		return ppdberr.Wrap(ppdberr.IO, "upsert key", err)
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) (*Item, error) {
	r, err := b.selectRow(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Item{Key: key, Value: r.value, Flags: r.flags, Expiry: r.expiry, CAS: r.cas}, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, item *Item) error {
	item.CAS = b.nextCAS()
	return b.upsert(ctx, item.Key, item.Value, item.Flags, item.Expiry, item.CAS)
}

func (b *SQLiteBackend) Add(ctx context.Context, item *Item) error {
	if _, err := b.selectRow(ctx, item.Key); err == nil {
		return ppdberr.New(ppdberr.Exists, "key already exists")
	} else if !ppdberr.Is(err, ppdberr.NotFound) {
		return err
	}
	return b.Set(ctx, item)
}

func (b *SQLiteBackend) Replace(ctx context.Context, item *Item) error {
	if _, err := b.selectRow(ctx, item.Key); err != nil {
		return err
	}
	return b.Set(ctx, item)
}

func (b *SQLiteBackend) Append(ctx context.Context, key string, data []byte) (*Item, error) {
	return b.concat(ctx, key, data, false)
}

func (b *SQLiteBackend) Prepend(ctx context.Context, key string, data []byte) (*Item, error) {
	return b.concat(ctx, key, data, true)
}

func (b *SQLiteBackend) concat(ctx context.Context, key string, data []byte, prepend bool) (*Item, error) {
	r, err := b.selectRow(ctx, key)
	if err != nil {
		return nil, err
	}
	var newValue []byte
	if prepend {
		newValue = append(append([]byte{}, data...), r.value...)
	} else {
		newValue = append(append([]byte{}, r.value...), data...)
	}
	cas := b.nextCAS()
	if err := b.upsert(ctx, key, newValue, r.flags, r.expiry, cas); err != nil {
		return nil, err
	}
	return &Item{Key: key, Value: newValue, Flags: r.flags, Expiry: r.expiry, CAS: cas}, nil
}

func (b *SQLiteBackend) CompareAndSwap(ctx context.Context, item *Item, cas uint64) error {
	r, err := b.selectRow(ctx, item.Key)
	if err != nil {
		return err
	}
	if r.cas != cas {
		return ppdberr.New(ppdberr.CasMismatch, "cas value does not match stored item")
	}
	return b.Set(ctx, item)
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	res, err := b.stmtDelete.ExecContext(ctx, key)
	if err != nil {
		return ppdberr.Wrap(ppdberr.IO, "delete key", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ppdberr.New(ppdberr.NotFound, "key not found")
	}
	return nil
}

func (b *SQLiteBackend) Incr(ctx context.Context, key string, delta uint64) (uint64, error) {
	return b.addDelta(ctx, key, delta, true)
}

func (b *SQLiteBackend) Decr(ctx context.Context, key string, delta uint64) (uint64, error) {
	return b.addDelta(ctx, key, delta, false)
}

func (b *SQLiteBackend) addDelta(ctx context.Context, key string, delta uint64, incr bool) (uint64, error) {
	r, err := b.selectRow(ctx, key)
	if err != nil {
		return 0, err
	}
	cur, perr := strconv.ParseUint(string(r.value), 10, 64)
	if perr != nil {
		return 0, ppdberr.New(ppdberr.InvalidData, "value is not a decimal counter")
	}
	var next uint64
	if incr {
		next = cur + delta
		if next < cur {
			return 0, ppdberr.New(ppdberr.Overflow, "incr would overflow u64")
		}
	} else if delta > cur {
		next = 0 // decr saturates at zero
	} else {
		next = cur - delta
	}
	newValue := []byte(strconv.FormatUint(next, 10))
	cas := b.nextCAS()
	if err := b.upsert(ctx, key, newValue, r.flags, r.expiry, cas); err != nil {
		return 0, err
	}
	return next, nil
}

func (b *SQLiteBackend) Touch(ctx context.Context, key string, expiry int64) error {
	r, err := b.selectRow(ctx, key)
	if err != nil {
		return err
	}
	return b.upsert(ctx, key, r.value, r.flags, expiry, b.nextCAS())
}

func (b *SQLiteBackend) FlushAll(ctx context.Context, before int64) error {
	if before <= time.Now().Unix() {
		_, err := b.db.ExecContext(ctx, `DELETE FROM kv_store`)
		if err != nil {
			return ppdberr.Wrap(ppdberr.IO, "flush_all", err)
		}
		return nil
	}
	b.flushBefore.Store(before)
	return nil
}

// Close runs PRAGMA optimize (original_source's poly_db.c closes this
// way) before releasing the handle.
func (b *SQLiteBackend) Close() error {
	if _, err := b.db.Exec(`PRAGMA optimize`); err != nil {
		log.WithService("kv").Warn().Err(err).Msg("PRAGMA optimize failed on close")
	}
	return b.db.Close()
}
