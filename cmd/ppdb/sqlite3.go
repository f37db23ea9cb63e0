package main

import (
	"github.com/ppdb/ppdb/pkg/sqlite3wire"
	"github.com/spf13/cobra"
)

var sqlite3Cmd = &cobra.Command{
	Use:   "sqlite3",
	Short: "Run the SQLite wire-protocol service stub",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(cmd, "sqlite3", sqlite3wire.New())
	},
}

func init() {
	addLifecycleFlags(sqlite3Cmd)
}
