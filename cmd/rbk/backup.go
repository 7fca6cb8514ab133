// cmd/rbk/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mmp/rbk/backup"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup <source> <destination>",
	Short: "Back up a directory",
	Long: `Mirror source to destination. If destination already holds a backup,
increments are written for everything that changed since then.`,
	Args: cobra.ExactArgs(2),
	RunE: runBackup,
}

var (
	backupExclude []string
	backupForce   bool
	backupNoComp  bool
)

func init() {
	backupCmd.Flags().StringSliceVarP(&backupExclude, "exclude", "e", nil,
		"Regexp of paths to exclude (can be repeated)")
	backupCmd.Flags().BoolVar(&backupForce, "force", false,
		"Roll back an unfinished session even if its process seems to be running")
	backupCmd.Flags().BoolVar(&backupNoComp, "no-compression", false, "Don't compress increments")
}

func runBackup(cmd *cobra.Command, args []string) error {
	source, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	dest, err := filepath.Abs(args[1])
	if err != nil {
		return err
	}
	if fi, err := os.Stat(source); err != nil {
		return err
	} else if !fi.IsDir() {
		return fmt.Errorf("%s: not a directory", source)
	}
	if within(source, dest) || within(dest, source) {
		return fmt.Errorf("%s and %s overlap", source, dest)
	}

	cfg.Backup.Exclude = append(cfg.Backup.Exclude, backupExclude...)
	cfg.Regress.Force = cfg.Regress.Force || backupForce
	if backupNoComp {
		cfg.Backup.Compression = false
	}
	opts, err := cfg.RunOptions(log)
	if err != nil {
		return err
	}
	defer opts.Limiter.Stop()

	log.Verbose("backing up %s to %s", source, dest)
	st, err := backup.Run(source, dest, opts)
	if err != nil {
		return err
	}
	if st.Errors > 0 {
		log.Warning("%d files could not be backed up; see the error log in %s", st.Errors, dest)
	}
	return nil
}

// within reports whether path is dir or inside it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, "../")
}
