// cmd/rbk/format.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Describe the on-disk format of a backup",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(formatText)
	},
}

var formatText = `
This document describes the way that rbk stores backups in enough detail
that (if ever necessary) a backup can be restored without rbk. We'll go
from the mirror itself down to the formats of the individual files that
record history.

# The mirror

The destination directory is an ordinary copy of the source directory as
of the most recent backup session: same names, contents, permissions,
modification times and, when run as root, ownership. Restoring the most
recent session is just a matter of copying it, skipping the
rdiff-backup-data directory at its top level.

# rdiff-backup-data

Everything else lives in destination/rdiff-backup-data. Session times in
file names are UTC and written as 2006-01-02T15:04:05Z.

  current_mirror.<time>.data
      Names the session the mirror reflects. It holds "PID <n>", the
      process that wrote it. Two of these mean the newer session didn't
      finish; the mirror may be partly updated and has to be rolled back
      (rbk regress) before it can be trusted.
  mirror_metadata.<time>.snapshot.gz, mirror_metadata.<time>.diff.gz
      The metadata of every file in the session; see below.
  session_statistics.<time>.data
      Totals for the session, one "Name value" line each.
  error_log.<time>.data
      One line per file that couldn't be backed up: the kind of error,
      the path and the message.
  history.db
      A SQLite database with one row per completed session in the
      sessions table and the files that failed in file_errors. It's for
      reporting only and may be deleted.
  increments/
      History of individual files; see below.
  *.rs
      Reed-Solomon parity for the file of the same name without .rs.

# Increments

When a session changes, adds or removes a path, the mirror's old version
is saved first as an increment. The increments for the path a/b are in
increments/a/, named b.<time>.<kind>, with a further .gz suffix if the
contents are gzip compressed. The increments for the mirror's root
directory are named increments.<time>.<kind> and sit next to the
increments directory. An increment's time is that of the session whose
state it preserves, so it holds the path as it was at <time>. The kinds
are:

  missing   The path didn't exist. The file is empty.
  dir       The path was a directory. The file is empty; the directory's
            attributes are in the metadata.
  snapshot  The complete old object: the contents of a regular file, or
            a symlink, fifo or device node with the old attributes.
  diff      A delta that turns the next newer version of the regular file
            into the old version.

To restore a path as of time t, take its increments with times at or
after t, oldest first. If the first is missing or dir, that was the path's
state. Otherwise collect increments until reaching a snapshot (the base)
or running out of increments, in which case the base is the current
mirror file. Apply the collected diffs to the base, newest first.

# Deltas

Deltas are built from the chunks of the newer file. Chunk boundaries are
found with the rolling checksum used by bup over a 64-byte window. With
its two running sums s1 and s2, a chunk ends wherever the low split-bits
bits of (s1<<16 | s2&0xffff) are all ones, as long as the chunk is at
least 512 bytes long. The average chunk size is 2^split-bits bytes (8192
by default).

A delta begins with the magic string "rbkd1" and is followed by a series
of operations, each a single byte followed by arguments encoded with Go's
binary.PutUvarint:

  1 offset length   copy length bytes from the newer file at offset
  2 length bytes    length literal bytes
  0                 end

# Metadata

Metadata files are gzip-compressed streams of records written with Go's
"gob" encoding, sorted by path with each path's components compared in
order:

type Record struct {
	Index []string // path components relative to the root
	Kind  uint8    // 0 absent, 1 regular, 2 directory, 3 symlink,
	               // 4 device, 5 fifo, 6 socket

	Size         int64
	Perms        uint32 // including setuid, setgid and sticky bits
	UID, GID     int
	UName, GName string

	// Seconds since the epoch.
	ModTime, AccessTime, ChangeTime int64

	LinkTarget string

	DevMajor, DevMinor uint32
	CharDevice         bool

	NLink         uint64
	Device, Inode uint64

	// Hex-encoded content hash of a regular file.
	Hash string
}

Content hashes are the first 32 bytes of the SHAKE256 hash of the file's
contents. Regular files with more than one link in the same session that
share Device and Inode were hard links to each other.

The newest metadata file is always a snapshot. When a session completes,
the previous session's snapshot is usually replaced with a diff: the
records of the older session that differ from the newer one, plus an
absent record (kind 0) for each path only the newer session has. To read
the metadata at a time, start from the oldest snapshot at or after it and
apply the diffs in between, newest first; a record in a diff replaces the
record with the same path, and an absent record removes it. At most eight
diffs are kept in a row by default, so no chain is very long.

# Reed-Solomon parity

Parity files are a gob-encoded header followed by gob-encoded segments:

type rsFileHeader struct {
	NDataShards, NParityShards int
	HashRate                   int // bytes per shard
	Size                       int64
}

type rsFileSegment struct {
	Hashes [][32]byte // SHAKE256 of each data shard, then each parity shard
	Parity [][]byte
}

Each segment covers NDataShards*HashRate bytes of the original file (the
last is padded with zeros) using the Reed-Solomon code of the
github.com/klauspost/reedsolomon package. A shard whose hash doesn't
match is treated as missing and reconstructed from the others.
`
