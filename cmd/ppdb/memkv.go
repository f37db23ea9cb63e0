package main

import (
	"github.com/ppdb/ppdb/pkg/memcached"
	"github.com/spf13/cobra"
)

var memkvCmd = &cobra.Command{
	Use:   "memkv",
	Short: "Run the memcached-compatible key/value service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(cmd, "memkv", memcached.New())
	},
}

func init() {
	addLifecycleFlags(memkvCmd)
}
