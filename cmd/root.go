package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "libsched",
		Short: "Library seat scheduler: books LibCal seats the moment their slots open",
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newRequestCmd())
	root.AddCommand(newHuntCmd())
	root.AddCommand(newProfileCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
