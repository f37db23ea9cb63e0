package main

import (
	"github.com/ppdb/ppdb/pkg/forwarder"
	"github.com/spf13/cobra"
)

var rinetdCmd = &cobra.Command{
	Use:   "rinetd",
	Short: "Run the rinetd-style TCP port forwarder",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(cmd, "rinetd", forwarder.New())
	},
}

func init() {
	addLifecycleFlags(rinetdCmd)
}
