package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ppdb/ppdb/pkg/config"
	"github.com/ppdb/ppdb/pkg/health"
	"github.com/ppdb/ppdb/pkg/log"
	"github.com/ppdb/ppdb/pkg/registry"
	"github.com/spf13/cobra"
)

// personality is implemented by every service variant's registry
// wrapper (memcached.Service, forwarder.Forwarder, sqlite3wire.SQLite3Wire).
type personality = registry.Personality

// addLifecycleFlags attaches the flags common to every "ppdb <service>"
// subcommand.
func addLifecycleFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("start", false, "Start the service and serve until interrupted")
	cmd.Flags().Bool("stop", false, "Stop the service")
	cmd.Flags().Bool("status", false, "Show service status")
	cmd.Flags().String("config", "", "Path to a YAML config file")
	cmd.Flags().Int("port", 0, "Listen port (overrides config)")
	cmd.Flags().String("db", "", "Database file path (overrides config)")
	cmd.Flags().String("engine", "", "KV engine: sqlite or duckdb (overrides config)")
	cmd.Flags().String("plugin", "", "Path to the DuckDB shared library (overrides config)")
	cmd.Flags().String("rules", "", "Forwarder rules file path (overrides config, rinetd only)")
	cmd.Flags().String("health-addr", "", "Serve /health, /ready, and /metrics on this address while running")
}

// loadServiceConfig builds a config.Service from --config plus any
// flag overrides, in that precedence order.
func loadServiceConfig(cmd *cobra.Command) (config.Service, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}

	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.ListenPort = port
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DBPath = db
	}
	if engine, _ := cmd.Flags().GetString("engine"); engine != "" {
		cfg.Engine = config.Engine(engine)
	}
	if plugin, _ := cmd.Flags().GetString("plugin"); plugin != "" {
		cfg.PluginPath = plugin
	}
	if rules, _ := cmd.Flags().GetString("rules"); rules != "" {
		cfg.ForwarderRulesFile = rules
	}
	return cfg, nil
}

// selfCheckAddr picks the address a health.Server should dial to confirm
// name's listener is accepting connections. memkv and sqlite3 bind one
// address; rinetd binds one per rule, so its self-check uses the first
// configured rule's source address as a representative sample.
func selfCheckAddr(name string, cfg config.Service) (string, bool) {
	if name == "rinetd" {
		rules, err := config.LoadRules(cfg.ForwarderRulesFile)
		if err != nil || len(rules) == 0 {
			return "", false
		}
		return net.JoinHostPort(rules[0].SrcAddr, strconv.Itoa(rules[0].SrcPort)), true
	}
	if cfg.ListenPort == 0 {
		return "", false
	}
	return net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.ListenPort)), true
}

// runLifecycle dispatches --start/--stop/--status against name's
// registry record, registering svc on first use. Exactly one of the
// three flags must be given.
func runLifecycle(cmd *cobra.Command, name string, svc personality) error {
	start, _ := cmd.Flags().GetBool("start")
	stop, _ := cmd.Flags().GetBool("stop")
	status, _ := cmd.Flags().GetBool("status")

	switch {
	case start && !stop && !status:
	case stop && !start && !status:
	case status && !start && !stop:
	default:
		return fmt.Errorf("specify exactly one of --start, --stop, --status")
	}

	reg := registry.Global()
	if _, err := reg.State(name); err != nil {
		if regErr := reg.Register(name, svc); regErr != nil {
			return regErr
		}
	}

	if status {
		s, err := reg.State(name)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", name, s)
		return nil
	}

	if stop {
		if err := reg.Stop(name); err != nil {
			return err
		}
		fmt.Printf("%s: stopped\n", name)
		return nil
	}

	cfg, err := loadServiceConfig(cmd)
	if err != nil {
		return err
	}
	if err := reg.Init(name, cfg); err != nil {
		return err
	}
	if err := reg.Start(name); err != nil {
		return err
	}
	fmt.Printf("%s: running\n", name)

	if healthAddr, _ := cmd.Flags().GetString("health-addr"); healthAddr != "" {
		if selfAddr, ok := selfCheckAddr(name, cfg); ok {
			hs := health.NewServer(reg, name, selfAddr)
			go func() {
				if err := hs.Start(healthAddr); err != nil {
					log.WithService(name).Error().Err(err).Msg("health server exited")
				}
			}()
		} else {
			log.WithService(name).Warn().Msg("health-addr given but no self-check address could be determined")
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.WithService(name).Info().Msg("shutdown signal received")
	if err := reg.Stop(name); err != nil {
		return err
	}
	return reg.Cleanup(name)
}
