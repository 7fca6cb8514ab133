// cmd/rbk/regress.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"github.com/mmp/rbk/regress"
	"github.com/mmp/rbk/stats"
	"github.com/spf13/cobra"
)

var regressCmd = &cobra.Command{
	Use:   "regress <destination>",
	Short: "Roll back an unfinished backup session",
	Long: `Undo the changes made to destination by a backup session that didn't
finish, returning the mirror and its increments to the state left by the
last session that completed. Backups do this automatically.`,
	Args: cobra.ExactArgs(1),
	RunE: runRegress,
}

var regressForce bool

func init() {
	regressCmd.Flags().BoolVar(&regressForce, "force", false,
		"Regress even if the unfinished session's process seems to be running")
}

func runRegress(cmd *cobra.Command, args []string) error {
	r, err := openRepo(args[0])
	if err != nil {
		return err
	}
	if err := r.LockWait(cfg.Backup.LockTimeout); err != nil {
		return err
	}
	defer r.Unlock()

	var errs stats.ErrorList
	err = regress.Regress(r, regress.Options{
		Owner:  asRoot(),
		Force:  cfg.Regress.Force || regressForce,
		Parity: cfg.Backup.Parity,
		Errors: &errs,
		Log:    log,
	})
	for _, e := range errs.Errors {
		log.Error("%s", e)
	}
	return err
}
