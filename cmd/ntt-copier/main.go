package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "ntt-copier",
		Short:   "Claim, copy, and archive inodes from a mounted medium",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newMigrateCmd())

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}
