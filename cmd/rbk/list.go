// cmd/rbk/list.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mmp/rbk/increment"
	"github.com/mmp/rbk/record"
	"github.com/mmp/rbk/repo"
	"github.com/mmp/rbk/stats"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list <destination>",
	Short: "List backup sessions",
	Long: `List the sessions that can be restored from destination, oldest first.
With --file, list the versions of a single path instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runList,
}

var listFile string

func init() {
	listCmd.Flags().StringVarP(&listFile, "file", "f", "",
		"List the increments of this path, relative to the mirror root")
}

func runList(cmd *cobra.Command, args []string) error {
	r, err := openRepo(args[0])
	if err != nil {
		return err
	}
	if err := r.LockShared(); err != nil {
		return err
	}
	defer r.Unlock()

	if listFile != "" {
		return listIncrements(r, record.ParseIndex(listFile))
	}
	return listSessions(r)
}

func listSessions(r *repo.Repo) error {
	sessions, err := r.Sessions()
	if err != nil {
		return err
	}
	kinds := make(map[time.Time]increment.Kind)
	files, err := r.Metadata().List()
	if err != nil {
		return err
	}
	for _, f := range files {
		kinds[f.Time] = f.Kind
	}
	rows := make(map[time.Time]stats.SessionRow)
	if _, err := os.Stat(r.HistoryPath()); err == nil {
		h, err := stats.OpenHistory(r.HistoryPath())
		if err != nil {
			return err
		}
		all, err := h.Sessions()
		h.Close()
		if err != nil {
			return err
		}
		for _, row := range all {
			rows[row.SessionTime.UTC()] = row
		}
	}

	fmt.Printf("%-22s %-9s %-9s %10s %10s %12s\n", "Session", "Mode", "Metadata",
		"Files", "Changed", "Increments")
	for i, t := range sessions {
		mode, nfiles, changed, incSize := "-", "-", "-", "-"
		if row, ok := rows[t.UTC()]; ok {
			mode = row.Mode
			nfiles = humanize.Comma(row.Stats.SourceFiles)
			changed = humanize.Comma(row.Stats.ChangedFiles + row.Stats.NewFiles + row.Stats.DeletedFiles)
			incSize = humanize.IBytes(uint64(row.Stats.IncrementFileSize))
		}
		kind := "-"
		if k, ok := kinds[t]; ok {
			kind = k.String()
		}
		fmt.Printf("%-22s %-9s %-9s %10s %10s %12s", increment.FormatTime(t), mode, kind,
			nfiles, changed, incSize)
		if i == len(sessions)-1 {
			fmt.Printf("  (mirror)")
		}
		fmt.Printf("\n")
	}
	return nil
}

func listIncrements(r *repo.Repo, idx record.Index) error {
	incs, err := increment.List(r.Increments(), idx)
	if err != nil {
		return err
	}
	cur, err := record.LstatPath(idx.Path(r.Root), idx)
	if err != nil {
		return err
	}
	if len(incs) == 0 && !cur.Exists() {
		return fmt.Errorf("%s: %w", idx, os.ErrNotExist)
	}

	for _, inc := range incs {
		fmt.Printf("%-22s %-9s %10s\n", increment.FormatTime(inc.Time), inc.Kind,
			humanize.IBytes(uint64(inc.Size())))
	}
	if cur.Exists() {
		fmt.Printf("%-22s %-9s %10s\n", "current", cur.Kind, humanize.IBytes(uint64(cur.Size)))
	}
	return nil
}
