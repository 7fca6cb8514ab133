// cmd/rbk/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// rbk keeps a mirror of a directory tree along with reverse increments
// that allow any earlier backup session to be restored.
package main

import (
	"fmt"
	"os"

	"github.com/mmp/rbk/config"
	u "github.com/mmp/rbk/util"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

var (
	configPath string
	verbose    bool
	debug      bool

	// Set up by the root command before any subcommand runs.
	cfg *config.Config
	log *u.Logger
)

func main() {
	err := rootCmd.Execute()
	log.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "rbk: "+err.Error())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rbk",
	Short: "Mirror directories with reverse increments",
	Long: `rbk mirrors a source directory to a destination and, for every file it
changes, keeps an increment recording the file's previous state in the
destination's rdiff-backup-data directory. Any earlier session can be
restored from the mirror and its increments. An interrupted session is
rolled back automatically the next time rbk writes to the destination.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Configuration file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debugging output")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(regressCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(parityCmd)
	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(configCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	if cfg, err = config.Load(configPath); err != nil {
		return err
	}
	log, err = cfg.Logger(verbose, debug)
	return err
}
