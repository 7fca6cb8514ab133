// cmd/rbk/parity.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"strings"

	"github.com/mmp/rbk/rdso"
	"github.com/spf13/cobra"
)

// Reed-Solomon parity for arbitrary files, using the same encoding as
// the metadata snapshots in a backup.

var parityCmd = &cobra.Command{
	Use:   "parity",
	Short: "Create and check Reed-Solomon parity files",
}

var (
	parityShards   int
	parityParity   int
	parityHashRate int
)

func init() {
	encode := &cobra.Command{
		Use:   "encode <files...>",
		Short: "Write a .rs parity file for each file",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runParityEncode,
	}
	encode.Flags().IntVar(&parityShards, "nshards", rdso.DefaultDataShards, "Number of data shards")
	encode.Flags().IntVar(&parityParity, "nparity", rdso.DefaultParityShards, "Number of parity shards")
	encode.Flags().IntVar(&parityHashRate, "hashrate", rdso.DefaultHashRate, "Chunk size for file hashes")

	check := &cobra.Command{
		Use:   "check <files...>",
		Short: "Check files against their parity files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return forEachParityFile(args, func(fn string) error {
				return rdso.CheckFile(fn, rdso.ParityPath(fn), log)
			})
		},
	}
	restore := &cobra.Command{
		Use:   "restore <files...>",
		Short: "Repair corrupt files from their parity files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return forEachParityFile(args, func(fn string) error {
				return rdso.RestoreFile(fn, rdso.ParityPath(fn), log)
			})
		},
	}
	parityCmd.AddCommand(encode, check, restore)
}

func runParityEncode(cmd *cobra.Command, args []string) error {
	return forEachParityFile(args, func(fn string) error {
		rsfn := rdso.ParityPath(fn)
		if err := rdso.EncodeFile(fn, rsfn, parityShards, parityParity, parityHashRate); err != nil {
			return err
		}
		log.Verbose("%s: created Reed-Solomon encoding file", rsfn)
		return nil
	})
}

// forEachParityFile calls f for every file that isn't itself a parity
// file, reporting the number of failures.
func forEachParityFile(files []string, f func(fn string) error) error {
	failed := 0
	for _, fn := range files {
		if strings.HasSuffix(fn, ".rs") {
			log.Warning("%s: skipping parity file", fn)
			continue
		}
		if err := f(fn); err != nil {
			log.Error("%s", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}
