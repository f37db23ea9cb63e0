// Package config loads YAML service configuration and rinetd-style
// forwarder rule files.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine selects the KV backend.
type Engine string

const (
	EngineSQLite Engine = "sqlite"
	EngineDuckDB Engine = "duckdb"
)

// Service holds the configuration for a single personality (memkv,
// rinetd, sqlite3), loaded from --config or defaulted from flags.
type Service struct {
	ListenAddr string `yaml:"listen_addr"`
	ListenPort int    `yaml:"listen_port"`

	DBPath        string `yaml:"db_path"`
	Engine        Engine `yaml:"engine"`
	PluginPath    string `yaml:"plugin_path"`
	AllowFallback bool   `yaml:"allow_fallback"`

	MinWorkers int `yaml:"min_workers"`
	MaxWorkers int `yaml:"max_workers"`
	QueueSize  int `yaml:"queue_size"`

	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxValueBytes   int           `yaml:"max_value_bytes"`
	VersionString   string        `yaml:"version_string"`

	ForwarderRulesFile string `yaml:"forwarder_rules_file"`
}

// DefaultService returns the mandated defaults.
func DefaultService() Service {
	return Service{
		ListenAddr:    "0.0.0.0",
		ListenPort:    11211,
		Engine:        EngineSQLite,
		AllowFallback: true,
		MinWorkers:    4,
		MaxWorkers:    64,
		QueueSize:     1024,
		IdleTimeout:   10 * time.Minute,
		MaxValueBytes: 1 << 20, // 1 MiB default, hard ceiling enforced separately at 32 MiB
		VersionString: "ppdb-1.0.0",
	}
}

// Load reads a YAML config file, merging it over the defaults. A
// missing path is not an error — the caller falls back to CLI flags.
func Load(path string) (Service, error) {
	cfg := DefaultService()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()
	if err := decode(f, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Service) error {
	dec := yaml.NewDecoder(r)
	return dec.Decode(cfg)
}

// Rule is one forwarder rule: forward connections on src_addr:src_port
// to dst_addr:dst_port.
type Rule struct {
	SrcAddr string
	SrcPort int
	DstAddr string
	DstPort int
}

// MaxRules is the hard cap on rules per rule file.
const MaxRules = 128

// LoadRules parses a whitespace-delimited rinetd-style rule file:
// "<src_addr> <src_port> <dst_addr> <dst_port>" per line, "#" comments
// and blank lines skipped.
func LoadRules(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rules file %s: %w", path, err)
	}
	defer f.Close()
	return parseRules(f)
}

func parseRules(r io.Reader) ([]Rule, error) {
	var rules []Rule
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("rules file line %d: expected 4 fields, got %d", lineNo, len(fields))
		}
		srcPort, err := strconv.Atoi(fields[1])
		if err != nil || srcPort < 1 || srcPort > 65535 {
			return nil, fmt.Errorf("rules file line %d: invalid src_port %q", lineNo, fields[1])
		}
		dstPort, err := strconv.Atoi(fields[3])
		if err != nil || dstPort < 1 || dstPort > 65535 {
			return nil, fmt.Errorf("rules file line %d: invalid dst_port %q", lineNo, fields[3])
		}
		rules = append(rules, Rule{
			SrcAddr: fields[0],
			SrcPort: srcPort,
			DstAddr: fields[2],
			DstPort: dstPort,
		})
		if len(rules) > MaxRules {
			return nil, fmt.Errorf("rules file exceeds max of %d rules", MaxRules)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan rules file: %w", err)
	}
	return rules, nil
}
