package main

import (
	"fmt"
	"os"

	"github.com/ppdb/ppdb/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ppdb",
	Short: "ppdb hosts the memkv, rinetd, and sqlite3 personalities on a shared multiplexer",
	Long: `ppdb is a multi-protocol service host: a memcached-compatible
key/value server, a rinetd-style TCP port forwarder, and a SQLite
wire-protocol stub, all sharing one accept loop, worker pool, and
health monitor.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(memkvCmd)
	rootCmd.AddCommand(rinetdCmd)
	rootCmd.AddCommand(sqlite3Cmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
