package kv

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/ppdb/ppdb/pkg/log"
	"github.com/ppdb/ppdb/pkg/ppdberr"
)

// DefaultDuckDBLibrary is the platform search name handed to the
// dynamic loader when no explicit --plugin path is configured
// (original_source/.../poly_db.c falls back to "libduckdb.so" and
// lets the loader's platform search resolve .dll/.dylib variants).
const DefaultDuckDBLibrary = "libduckdb.so"

// duckdb's public C API is ABI-stable for this subset; we only ever
// pass duckdb_result/duckdb_database/duckdb_connection by pointer and
// never touch their fields directly, so treating them as opaque,
// generously sized byte buffers avoids needing struct layout.
const (
	resultSize = 256
	handleSize = 8
)

type duckdbFuncs struct {
	open          func(path string, outDB unsafe.Pointer) int32
	close         func(db unsafe.Pointer)
	connect       func(db uintptr, outConn unsafe.Pointer) int32
	disconnect    func(conn unsafe.Pointer)
	query         func(conn uintptr, sql string, outResult unsafe.Pointer) int32
	destroyResult func(result unsafe.Pointer)
	rowCount      func(result unsafe.Pointer) uint64
	valueVarchar  func(result unsafe.Pointer, col, row uint64) uintptr
	valueIsNull   func(result unsafe.Pointer, col, row uint64) bool
	free          func(ptr uintptr)
}

// DuckDBBackend implements Backend against a dynamically loaded
// libduckdb, resolved with purego the way original_source's poly_db.c
// resolved it with cosmo_dlopen/cosmo_dlsym.
type DuckDBBackend struct {
	mu    sync.Mutex
	funcs *duckdbFuncs
	db    uintptr
	conn  uintptr

	casCounter  uint64
	flushBefore int64
}

// OpenDuckDB dynamically loads libPath (or DefaultDuckDBLibrary) and
// opens dbPath. Callers typically only use this when allow_fallback
// permits silently using SQLite instead on failure.
func OpenDuckDB(libPath, dbPath string) (*DuckDBBackend, error) {
	if libPath == "" {
		libPath = DefaultDuckDBLibrary
	}
	log.WithComponent("kv").Info().Str("engine", "duckdb").Str("plugin_path", libPath).Msg("loading duckdb library")
	handle, err := purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, ppdberr.Wrap(ppdberr.DependencyFailed, fmt.Sprintf("load duckdb library %q", libPath), err)
	}

	funcs := &duckdbFuncs{}
	bindings := []struct {
		fptr interface{}
		name string
	}{
		{&funcs.open, "duckdb_open"},
		{&funcs.close, "duckdb_close"},
		{&funcs.connect, "duckdb_connect"},
		{&funcs.disconnect, "duckdb_disconnect"},
		{&funcs.query, "duckdb_query"},
		{&funcs.destroyResult, "duckdb_destroy_result"},
		{&funcs.rowCount, "duckdb_row_count"},
		{&funcs.valueVarchar, "duckdb_value_varchar"},
		{&funcs.valueIsNull, "duckdb_value_is_null"},
		{&funcs.free, "duckdb_free"},
	}
	for _, b := range bindings {
		// Dlsym, unlike RegisterLibFunc, reports a missing symbol as an
		// error instead of panicking, so a library that's missing even
		// one binding fails Open cleanly and allow_fallback can take over.
		if _, err := purego.Dlsym(handle, b.name); err != nil {
			return nil, ppdberr.Wrap(ppdberr.DependencyFailed, fmt.Sprintf("resolve symbol %q", b.name), err)
		}
		purego.RegisterLibFunc(b.fptr, handle, b.name)
	}

	dbBuf := make([]byte, handleSize)
	if rc := funcs.open(dbPath, unsafe.Pointer(&dbBuf[0])); rc != 0 {
		return nil, ppdberr.New(ppdberr.DependencyFailed, "duckdb_open failed")
	}
	dbHandle := *(*uintptr)(unsafe.Pointer(&dbBuf[0]))

	connBuf := make([]byte, handleSize)
	if rc := funcs.connect(dbHandle, unsafe.Pointer(&connBuf[0])); rc != 0 {
		funcs.close(unsafe.Pointer(&dbBuf[0]))
		return nil, ppdberr.New(ppdberr.DependencyFailed, "duckdb_connect failed")
	}
	connHandle := *(*uintptr)(unsafe.Pointer(&connBuf[0]))

	b := &DuckDBBackend{funcs: funcs, db: dbHandle, conn: connHandle}
	if err := b.exec(`CREATE TABLE IF NOT EXISTS kv_store (
		key VARCHAR PRIMARY KEY,
		value BLOB,
		flags BIGINT,
		expiry BIGINT,
		cas BIGINT,
		stored_at BIGINT
	)`); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *DuckDBBackend) exec(sql string) error {
	buf := make([]byte, resultSize)
	rc := b.funcs.query(b.conn, sql, unsafe.Pointer(&buf[0]))
	defer b.funcs.destroyResult(unsafe.Pointer(&buf[0]))
	if rc != 0 {
		return ppdberr.New(ppdberr.IO, "duckdb query failed: "+sql)
	}
	return nil
}

// queryOne runs sql and reads back a single varchar column from row 0,
// or returns ok=false if the result set was empty.
func (b *DuckDBBackend) queryOne(sql string) (string, bool, error) {
	buf := make([]byte, resultSize)
	rc := b.funcs.query(b.conn, sql, unsafe.Pointer(&buf[0]))
	defer b.funcs.destroyResult(unsafe.Pointer(&buf[0]))
	if rc != 0 {
		return "", false, ppdberr.New(ppdberr.IO, "duckdb query failed: "+sql)
	}
	rp := unsafe.Pointer(&buf[0])
	if b.funcs.rowCount(rp) == 0 {
		return "", false, nil
	}
	if b.funcs.valueIsNull(rp, 0, 0) {
		return "", false, nil
	}
	cstr := b.funcs.valueVarchar(rp, 0, 0)
	defer b.funcs.free(cstr)
	return goStringFromC(cstr), true, nil
}

func goStringFromC(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	var b strings.Builder
	for i := uintptr(0); ; i++ {
		c := *(*byte)(unsafe.Pointer(ptr + i))
		if c == 0 {
			break
		}
		b.WriteByte(c)
	}
	return b.String()
}

// sqlQuote escapes a string for embedding as a SQL string literal.
func sqlQuote(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }

// blobLiteral encodes arbitrary bytes as a DuckDB BLOB hex literal,
// sidestepping the need for the prepared-statement bind API.
func blobLiteral(data []byte) string {
	var b strings.Builder
	b.WriteString("'\\x")
	for _, c := range data {
		fmt.Fprintf(&b, "%02X", c)
	}
	b.WriteString("'::BLOB")
	return b.String()
}

func (b *DuckDBBackend) nextCAS() uint64 { b.casCounter++; return b.casCounter }

func (b *DuckDBBackend) upsert(key string, value []byte, flags uint32, expiry int64, cas uint64) error {
	sql := fmt.Sprintf(
		`INSERT OR REPLACE INTO kv_store (key, value, flags, expiry, cas, stored_at) VALUES (%s, %s, %d, %d, %d, %d)`,
		sqlQuote(key), blobLiteral(value), flags, expiry, cas, time.Now().Unix(),
	)
	return b.exec(sql)
}

func (b *DuckDBBackend) selectItem(key string) (*Item, int64, error) {
	sql := fmt.Sprintf(`SELECT hex(value) || '|' || flags || '|' || expiry || '|' || cas || '|' || stored_at FROM kv_store WHERE key = %s`, sqlQuote(key))
	raw, ok, err := b.queryOne(sql)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, ppdberr.New(ppdberr.NotFound, "key not found")
	}
	parts := strings.SplitN(raw, "|", 5)
	if len(parts) != 5 {
		return nil, 0, ppdberr.New(ppdberr.IO, "malformed row encoding from duckdb")
	}
	value, err := hexDecode(parts[0])
	if err != nil {
		return nil, 0, ppdberr.Wrap(ppdberr.IO, "decode stored value", err)
	}
	flags, _ := strconv.ParseUint(parts[1], 10, 32)
	expiry, _ := strconv.ParseInt(parts[2], 10, 64)
	cas, _ := strconv.ParseUint(parts[3], 10, 64)
	storedAt, _ := strconv.ParseInt(parts[4], 10, 64)

	now := time.Now()
	if Expired(expiry, now) {
		_ = b.exec(fmt.Sprintf(`DELETE FROM kv_store WHERE key = %s`, sqlQuote(key)))
		return nil, 0, ppdberr.New(ppdberr.NotFound, "key expired")
	}
	if b.flushBefore != 0 && now.Unix() >= b.flushBefore && storedAt < b.flushBefore {
		_ = b.exec(fmt.Sprintf(`DELETE FROM kv_store WHERE key = %s`, sqlQuote(key)))
		return nil, 0, ppdberr.New(ppdberr.NotFound, "key flushed")
	}
	return &Item{Key: key, Value: value, Flags: uint32(flags), Expiry: expiry, CAS: cas}, storedAt, nil
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi := hexNibble(s[i*2])
		lo := hexNibble(s[i*2+1])
		if hi < 0 || lo < 0 {
			return nil, fmt.Errorf("invalid hex digit")
		}
		out[i] = byte(hi<<4 | lo)
	}
	return out, nil
}

func hexNibble(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

func (b *DuckDBBackend) Get(_ context.Context, key string) (*Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	item, _, err := b.selectItem(key)
	return item, err
}

func (b *DuckDBBackend) Set(_ context.Context, item *Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	item.CAS = b.nextCAS()
	return b.upsert(item.Key, item.Value, item.Flags, item.Expiry, item.CAS)
}

func (b *DuckDBBackend) Add(ctx context.Context, item *Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, _, err := b.selectItem(item.Key); err == nil {
		return ppdberr.New(ppdberr.Exists, "key already exists")
	} else if !ppdberr.Is(err, ppdberr.NotFound) {
		return err
	}
	item.CAS = b.nextCAS()
	return b.upsert(item.Key, item.Value, item.Flags, item.Expiry, item.CAS)
}

func (b *DuckDBBackend) Replace(ctx context.Context, item *Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, _, err := b.selectItem(item.Key); err != nil {
		return err
	}
	item.CAS = b.nextCAS()
	return b.upsert(item.Key, item.Value, item.Flags, item.Expiry, item.CAS)
}

func (b *DuckDBBackend) Append(ctx context.Context, key string, data []byte) (*Item, error) {
	return b.concat(key, data, false)
}

func (b *DuckDBBackend) Prepend(ctx context.Context, key string, data []byte) (*Item, error) {
	return b.concat(key, data, true)
}

func (b *DuckDBBackend) concat(key string, data []byte, prepend bool) (*Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, _, err := b.selectItem(key)
	if err != nil {
		return nil, err
	}
	var newValue []byte
	if prepend {
		newValue = append(append([]byte{}, data...), cur.Value...)
	} else {
		newValue = append(append([]byte{}, cur.Value...), data...)
	}
	cas := b.nextCAS()
	if err := b.upsert(key, newValue, cur.Flags, cur.Expiry, cas); err != nil {
		return nil, err
	}
	return &Item{Key: key, Value: newValue, Flags: cur.Flags, Expiry: cur.Expiry, CAS: cas}, nil
}

func (b *DuckDBBackend) CompareAndSwap(ctx context.Context, item *Item, cas uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, _, err := b.selectItem(item.Key)
	if err != nil {
		return err
	}
	if cur.CAS != cas {
		return ppdberr.New(ppdberr.CasMismatch, "cas value does not match stored item")
	}
	item.CAS = b.nextCAS()
	return b.upsert(item.Key, item.Value, item.Flags, item.Expiry, item.CAS)
}

func (b *DuckDBBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, _, err := b.selectItem(key); err != nil {
		return err
	}
	return b.exec(fmt.Sprintf(`DELETE FROM kv_store WHERE key = %s`, sqlQuote(key)))
}

func (b *DuckDBBackend) Incr(ctx context.Context, key string, delta uint64) (uint64, error) {
	return b.addDelta(key, delta, true)
}

func (b *DuckDBBackend) Decr(ctx context.Context, key string, delta uint64) (uint64, error) {
	return b.addDelta(key, delta, false)
}

func (b *DuckDBBackend) addDelta(key string, delta uint64, incr bool) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, _, err := b.selectItem(key)
	if err != nil {
		return 0, err
	}
	curVal, perr := strconv.ParseUint(string(cur.Value), 10, 64)
	if perr != nil {
		return 0, ppdberr.New(ppdberr.InvalidData, "value is not a decimal counter")
	}
	var next uint64
	if incr {
		next = curVal + delta
		if next < curVal {
			return 0, ppdberr.New(ppdberr.Overflow, "incr would overflow u64")
		}
	} else if delta > curVal {
		next = 0
	} else {
		next = curVal - delta
	}
	cas := b.nextCAS()
	if err := b.upsert(key, []byte(strconv.FormatUint(next, 10)), cur.Flags, cur.Expiry, cas); err != nil {
		return 0, err
	}
	return next, nil
}

func (b *DuckDBBackend) Touch(ctx context.Context, key string, expiry int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, _, err := b.selectItem(key)
	if err != nil {
		return err
	}
	return b.upsert(key, cur.Value, cur.Flags, expiry, b.nextCAS())
}

func (b *DuckDBBackend) FlushAll(_ context.Context, before int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if before <= time.Now().Unix() {
		return b.exec(`DELETE FROM kv_store`)
	}
	b.flushBefore = before
	return nil
}

func (b *DuckDBBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	connBuf := make([]byte, handleSize)
	*(*uintptr)(unsafe.Pointer(&connBuf[0])) = b.conn
	b.funcs.disconnect(unsafe.Pointer(&connBuf[0]))

	dbBuf := make([]byte, handleSize)
	*(*uintptr)(unsafe.Pointer(&dbBuf[0])) = b.db
	b.funcs.close(unsafe.Pointer(&dbBuf[0]))
	log.WithService("kv").Info().Msg("duckdb backend closed")
	return nil
}
