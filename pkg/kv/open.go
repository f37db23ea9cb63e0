package kv

import (
	"github.com/ppdb/ppdb/pkg/config"
	"github.com/ppdb/ppdb/pkg/log"
	"github.com/ppdb/ppdb/pkg/ppdberr"
)

// hardValueSizeCap bounds a stored value regardless of config, mirroring
// the per-chunk ceiling pkg/memcached enforces on incoming data.
const hardValueSizeCap = 32 * 1024 * 1024

// Open selects and opens a backend per cfg.Engine. When cfg.Engine is
// DuckDB and the dynamic library fails to load, AllowFallback controls
// whether Open logs a warning and falls back to SQLite (the resolution
// of the DuckDB-availability open question) or returns an InvalidParam
// error wrapping the load error.
func Open(cfg config.Service) (*Store, error) {
	sizeCap := cfg.MaxValueBytes
	if sizeCap <= 0 || sizeCap > hardValueSizeCap {
		sizeCap = hardValueSizeCap
	}

	switch cfg.Engine {
	case config.EngineDuckDB:
		backend, err := OpenDuckDB(cfg.PluginPath, cfg.DBPath)
		if err == nil {
			return NewStore(backend).WithValueSizeCap(sizeCap), nil
		}
		if !cfg.AllowFallback {
			return nil, ppdberr.Wrap(ppdberr.InvalidParam, "duckdb backend unavailable and allow_fallback is disabled", err)
		}
		log.WithService("kv").Warn().Err(err).Msg("duckdb unavailable, falling back to sqlite")
		fallthrough
	case config.EngineSQLite:
		backend, err := OpenSQLite(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return NewStore(backend).WithValueSizeCap(sizeCap), nil
	default:
		backend, err := OpenSQLite(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return NewStore(backend).WithValueSizeCap(sizeCap), nil
	}
}
