// cmd/rbk/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mmp/rbk/record"
	"github.com/mmp/rbk/repo"
	"github.com/mmp/rbk/restore"
	"github.com/mmp/rbk/stats"
	"github.com/spf13/cobra"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <destination> <target>",
	Short: "Restore a backup session",
	Long: `Restore the mirror in destination, as it was at the given time, to
target. Target must not exist or must be an empty directory.

Times may be "now", an RFC 3339 time such as 2017-06-01T12:00:00Z, a date
such as 2017-06-01, an interval before now such as 3D or 2W12h, or nB
for the session n sessions before the newest one. The newest session at
or before the time is restored.`,
	Args: cobra.ExactArgs(2),
	RunE: runRestore,
}

var (
	restoreAt   string
	restorePath string
)

func init() {
	restoreCmd.Flags().StringVarP(&restoreAt, "at", "a", "now", "Time to restore")
	restoreCmd.Flags().StringVarP(&restorePath, "path", "p", "",
		"Restore only this path, relative to the mirror root")
}

var errNeedsRegress = errors.New("destination has an unfinished session; run regress first")

// lockForReading takes a shared lock on r and checks that no session
// needs to be rolled back.
func lockForReading(r *repo.Repo) error {
	if err := r.LockShared(); err != nil {
		return err
	}
	st, err := r.CheckState()
	if err == nil && st.NeedsRegress() {
		err = errNeedsRegress
	}
	if err != nil {
		r.Unlock()
	}
	return err
}

func runRestore(cmd *cobra.Command, args []string) error {
	r, err := openRepo(args[0])
	if err != nil {
		return err
	}
	target := args[1]
	if entries, err := os.ReadDir(target); err == nil && len(entries) > 0 {
		return fmt.Errorf("%s: not empty", target)
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}

	if err := lockForReading(r); err != nil {
		return err
	}
	defer r.Unlock()

	sessions, err := r.Sessions()
	if err != nil {
		return err
	}
	when, err := parseWhen(restoreAt, sessions, time.Now())
	if err != nil {
		return err
	}
	t, err := restore.SessionAt(r, when)
	if err != nil {
		return err
	}
	log.Verbose("restoring session %s to %s", t.Format(time.RFC3339), target)

	var errs stats.ErrorList
	err = restore.Tree(r, t, target, restore.TreeOptions{
		Sub:    record.ParseIndex(restorePath),
		Owner:  asRoot(),
		Errors: &errs,
		Log:    log,
	})
	for _, e := range errs.Errors {
		log.Error("%s", e)
	}
	if err == nil && errs.Len() > 0 {
		err = fmt.Errorf("%d files could not be restored", errs.Len())
	}
	return err
}
