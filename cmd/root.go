package cmd

import (
	"fmt"
	"os"

	"github.com/litcodeur/luminardb/cmd/inspect"
	"github.com/litcodeur/luminardb/cmd/pull"
	"github.com/litcodeur/luminardb/cmd/serve"
	"github.com/litcodeur/luminardb/cmd/watch"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "luminar",
		Short: "local-first document database",
		Long: fmt.Sprintf(`LuminarDB (v%s)

A local-first, offline-capable document database with optimistic
mutations, reactive queries, and bidirectional server sync.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of LuminarDB",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("LuminarDB v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(inspect.InspectCmd)
	RootCmd.AddCommand(pull.PullCmd)
	RootCmd.AddCommand(watch.WatchCmd)
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
