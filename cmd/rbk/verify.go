// cmd/rbk/verify.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/mmp/rbk/record"
	"github.com/mmp/rbk/repo"
	"github.com/mmp/rbk/restore"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <destination>",
	Short: "Check the integrity of a backup",
	Long: `Check the Reed-Solomon parity of the metadata snapshots in destination,
and that every regular file of the selected session can be rebuilt with
the content hash recorded when it was backed up.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

var (
	verifyRepair bool
	verifyAt     string
)

func init() {
	verifyCmd.Flags().BoolVar(&verifyRepair, "repair", false,
		"Repair corrupt metadata snapshots from their parity files")
	verifyCmd.Flags().StringVarP(&verifyAt, "at", "a", "",
		"Also check the file contents of the session at this time")
}

func runVerify(cmd *cobra.Command, args []string) error {
	r, err := openRepo(args[0])
	if err != nil {
		return err
	}
	// Repairs rewrite metadata in place.
	if verifyRepair {
		err = r.LockWait(cfg.Backup.LockTimeout)
	} else {
		err = lockForReading(r)
	}
	if err != nil {
		return err
	}
	defer r.Unlock()

	checked, err := r.Metadata().Verify(verifyRepair)
	if err != nil {
		return err
	}
	log.Verbose("%d metadata snapshots have valid parity", checked)

	if verifyAt == "" {
		return nil
	}
	sessions, err := r.Sessions()
	if err != nil {
		return err
	}
	when, err := parseWhen(verifyAt, sessions, time.Now())
	if err != nil {
		return err
	}
	t, err := restore.SessionAt(r, when)
	if err != nil {
		return err
	}
	return verifyHashes(r, t)
}

// verifyHashes rebuilds each regular file of the session at t and
// compares its hash to the one in the metadata.
func verifyHashes(r *repo.Repo, t time.Time) error {
	md, err := r.Metadata().ReadAt(t)
	if err != nil {
		return err
	}
	defer md.Close()

	var files, bad, unknown int
	for {
		rec, err := md.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		if !rec.IsReg() {
			continue
		}
		files++
		if rec.Hash == "" {
			unknown++
			continue
		}
		if err := verifyFile(r, rec.Index, t, rec.Hash); err != nil {
			log.Error("%s: %s", rec.Index, err)
			bad++
		}
	}
	log.Verbose("session %s: %d files, %d without hashes", t.Format(time.RFC3339), files, unknown)
	if bad > 0 {
		return fmt.Errorf("%d of %d files failed verification", bad, files)
	}
	return nil
}

func verifyFile(r *repo.Repo, idx record.Index, t time.Time, want string) error {
	got, err := restore.Contents(r, idx, t, io.Discard)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%s, expected %s: %w", got, want, restore.ErrHashMismatch)
	}
	return nil
}
