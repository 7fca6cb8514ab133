// cmd/rbk_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Based on endtoendtest.go, which is Copyright(c) 2015 Google, Inc., part
// of skicka, and is licensed under the Apache License, Version 2.0.

// rbk_e2etest repeatedly modifies a directory tree at random, backs it up
// with the rbk binary (possibly killing it partway through, which the
// next backup has to roll back), and checks that every session restores
// to exactly what was backed up.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	u "github.com/mmp/rbk/util"
)

var (
	nDirs = 1
	log   = u.NewLogger(true /*verbose*/, false /*debug*/)
)

func main() {
	seed := int64(os.Getpid())
	log.Verbose("Seed %d", seed)
	rand.Seed(seed)

	tmp, err := os.MkdirTemp("", "rbk_e2e")
	if err != nil {
		log.Fatal("%s", err)
	}
	defer os.RemoveAll(tmp)

	// Keep any user configuration out of it.
	os.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	os.Setenv("RBK_BACKUP_PARITY", "true")
	if randBool() {
		os.Setenv("RBK_BACKUP_COMPRESSION", "false")
	}
	if randBool() {
		os.Setenv("RBK_BACKUP_MAX_DIFF_CHAIN", "2")
	}

	backupTest(tmp, randBool(), 20)
	parityTest(tmp)
	log.Verbose("Success")
}

func randBool() bool {
	return rand.Float32() < .5
}

func expSize() int64 {
	logSize := rand.Intn(24) - 1
	s := int64(0)
	if logSize >= 0 {
		s = 1 << uint(logSize)
		s += rand.Int63n(s)
	}
	return s
}

func getCommand(c string, varargs ...string) *exec.Cmd {
	args := strings.Fields(c)
	cmd := args[0]
	args = args[1:]
	args = append(args, varargs...)
	return exec.Command(cmd, args...)
}

func runCommand(c string, args ...string) ([]byte, error) {
	log.Verbose("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

func runButPossiblyKill(c string, args ...string) ([]byte, error) {
	log.Verbose("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Start(); err != nil {
		log.Fatal("%s", err)
	}

	killed := false
	if (rand.Int() % 2) == 1 {
		logMs := uint(rand.Intn(12))
		wait := time.Duration(uint(1)<<logMs) * time.Millisecond
		log.Verbose("Will try to kill process in %s", wait)

		time.AfterFunc(wait, func() {
			if err := cmd.Process.Kill(); err != nil {
				log.Verbose("Kill error! %v", err)
			} else {
				log.Verbose("Killed process successfully")
				killed = true
			}
		})
	}

	err := cmd.Wait()
	if err != nil {
		log.Verbose("Wait result %v", err)
	}
	if killed {
		return nil, errKilled
	}
	return out.Bytes(), err
}

var errKilled = errors.New("killed while running")

///////////////////////////////////////////////////////////////////////////

var createdFiles = make(map[string]bool)

// A backed-up session: a copy of the source at the time and a time at
// or after the session that selects it.
type session struct {
	copy string
	at   time.Time
}

func backupTest(tmp string, randomlyKill bool, iters int) {
	src := filepath.Join(tmp, "src")
	dst := filepath.Join(tmp, "dst")
	if err := os.Mkdir(src, 0700); err != nil {
		log.Fatal("%s", err)
	}
	log.Verbose("Source %s, destination %s", src, dst)

	var sessions []session
	for i := 0; i < iters; i++ {
		// Sleep for a second before modifying files; since modtime is only
		// maintained to 1s accuracy, if we're too fast, then an
		// incremental backup may incorrectly not back up a file that was
		// actually modified.
		time.Sleep(time.Second)

		if err := update(src); err != nil {
			log.Fatal("%s", err)
		}
		if err := backup(src, dst, randomlyKill); err != nil {
			log.Fatal("%s", err)
		}

		// Save a copy to check older sessions against later.
		s := session{copy: filepath.Join(tmp, fmt.Sprintf("copy-%d", i)), at: time.Now().UTC()}
		if _, err := runCommand("cp -a", src, s.copy); err != nil {
			log.Fatal("%s", err)
		}
		sessions = append(sessions, s)

		if err := restoreAndCompare(dst, tmp, "now", src); err != nil {
			log.Fatal("%s", err)
		}
		old := sessions[rand.Intn(len(sessions))]
		if err := restoreAndCompare(dst, tmp, old.at.Format(time.RFC3339Nano), old.copy); err != nil {
			log.Fatal("%s", err)
		}
	}

	// Every session, oldest first.
	for _, s := range sessions {
		if err := restoreAndCompare(dst, tmp, s.at.Format(time.RFC3339Nano), s.copy); err != nil {
			log.Fatal("%s", err)
		}
	}
	if _, err := runCommand("rbk list", dst); err != nil {
		log.Fatal("%s", err)
	}

	corruptMetadata(dst)
	if _, err := runCommand("rbk verify", dst); err == nil {
		log.Fatal("verify of corrupted metadata didn't fail?")
	}
	if _, err := runCommand("rbk verify --repair --at 0B", dst); err != nil {
		log.Fatal("%s", err)
	}
	if _, err := runCommand("rbk verify --at 1B", dst); err != nil {
		log.Fatal("%s", err)
	}
}

func name(dir string) string {
	fodder := []string{"car", "house", "food", "cat", "monkey", "bird", "yellow",
		"blue", "fast", "sky", "table", "pen", "round", "book", "towel", "hair",
		"laugh", "airplane", "bannana", "tape", "round"}
	s := ""
	for {
		s += fodder[rand.Intn(len(fodder))]
		if _, ok := createdFiles[s]; !ok {
			break
		}
		s += "_"
	}
	createdFiles[s] = true
	return filepath.Join(dir, s)
}

func update(dir string) error {
	filesLeftToCreate := 20
	dirsLeftToCreate := 5
	log.Verbose("Updating %s", dir)

	var dirs []string
	err := filepath.Walk(dir,
		func(path string, stat os.FileInfo, patherr error) error {
			if patherr != nil {
				return patherr
			}

			if stat.IsDir() {
				dirs = append(dirs, path)
				dirsToCreate := 0
				for i := 0; i < dirsLeftToCreate; i++ {
					if rand.Intn(nDirs) == 0 {
						dirsToCreate++
						n := name(path)
						if err := os.Mkdir(n, 0700); err != nil {
							return err
						}
						log.Verbose("%s: created directory", n)
					}
				}
				nDirs += dirsToCreate
				dirsLeftToCreate -= dirsToCreate

				filesToCreate := 0
				for i := 0; i < filesLeftToCreate; i++ {
					if rand.Intn(nDirs) == 0 {
						filesToCreate++
						n := name(path)
						buf := make([]byte, expSize())
						_, _ = rand.Read(buf)
						if err := os.WriteFile(n, buf, 0600); err != nil {
							return err
						}
						log.Verbose("%s: created file. length %d", n, len(buf))
					}
				}
				filesLeftToCreate -= filesToCreate
				return nil
			}

			if rand.Intn(20) == 0 {
				log.Verbose("%s: removed", path)
				return os.Remove(path)
			}

			if randBool() {
				// Advance the modified time.  Don't go into the future.
				for {
					ms := rand.Intn(10000)
					t := stat.ModTime().Add(time.Duration(ms) * time.Millisecond)
					if t.Before(time.Now()) {
						if err := os.Chtimes(path, t, t); err != nil {
							return err
						}
						log.Verbose("%s: advanced modification time to %s", path, t.String())
						break
					}
				}
			}

			perms := stat.Mode()
			if randBool() {
				newp := rand.Intn(0777) | 0600
				if err := os.Chmod(path, os.FileMode(newp)); err != nil {
					return err
				}
				log.Verbose("%s: changed permissions to %#o", path, newp)
				perms = os.FileMode(newp)
			}

			if randBool() && (perms&0600) == 0600 {
				f, err := os.OpenFile(path, os.O_WRONLY, 0666)
				if err != nil {
					return err
				}
				defer f.Close()

				// seek somewhere and write some stuff
				offset := int64(0)
				if stat.Size() > 0 {
					offset = rand.Int63n(stat.Size())
				}

				b := make([]byte, expSize())
				_, _ = rand.Read(b)
				if _, err = f.WriteAt(b, offset); err != nil {
					return err
				}
				log.Verbose("%s: wrote %d bytes at offset %d", path, len(b), offset)

				if randBool() && stat.Size() > 0 {
					sz := rand.Int63n(stat.Size())
					if err := f.Truncate(sz); err != nil {
						return err
					}
					log.Verbose("%s: truncated at %d", path, sz)
				}
			}
			return nil
		})
	if err != nil {
		return err
	}

	// Directory permissions change last so that the walk can still get
	// into them.
	for _, d := range dirs[1:] {
		if randBool() {
			newp := rand.Intn(0777) | 0700
			if err := os.Chmod(d, os.FileMode(newp)); err != nil {
				return err
			}
			log.Verbose("%s: changed permissions to %#o", d, newp)
		}
	}
	return nil
}

func backup(src, dst string, randomlyKill bool) error {
	log.Verbose("Starting backup")
	for {
		cmd := "rbk backup " + src + " " + dst
		var err error
		if randomlyKill {
			_, err = runButPossiblyKill(cmd)
		} else {
			_, err = runCommand(cmd)
		}

		if err != errKilled {
			return err
		}
	}
}

func restoreAndCompare(dst, tmp, at, expected string) error {
	log.Verbose("Restoring %s at %s", dst, at)
	target := filepath.Join(tmp, "restored")
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	if _, err := runCommand("rbk restore --at "+at, dst, target); err != nil {
		return err
	}
	return compare(expected, target)
}

func compare(patha, pathb string) error {
	mismatches := 0
	err := filepath.Walk(patha,
		func(pa string, stata os.FileInfo, patherr error) error {
			if patherr != nil {
				return patherr
			}

			// compute corresponding pathname for second file
			rest := pa[len(patha):]
			pb := filepath.Join(pathb, rest)

			statb, err := os.Lstat(pb)
			if os.IsNotExist(err) {
				log.Warning("%s: not found", pb)
				mismatches++
				return nil
			}

			if stata.IsDir() != statb.IsDir() {
				log.Warning("%s: is file/is directory mismatch with %s", pa, pb)
				mismatches++
				return nil
			}

			if stata.Mode() != statb.Mode() {
				log.Warning("%s: permissions %#o mismatch %s permissions %#o",
					pa, stata.Mode(), pb, statb.Mode())
				mismatches++
			}

			if !stata.ModTime().Truncate(time.Second).Equal(statb.ModTime().Truncate(time.Second)) {
				log.Warning("%s: mod time %s mismatches %s mod time %s", pa,
					stata.ModTime().String(), pb, statb.ModTime().String())
				mismatches++
			}

			if stata.IsDir() {
				return nil
			}
			if stata.Size() != statb.Size() {
				log.Warning("%s: size %d mismatches %s size %d", pa, stata.Size(), pb, statb.Size())
				mismatches++
				return nil
			}
			if cmp := exec.Command("cmp", pa, pb); cmp.Run() != nil {
				log.Warning("%s and %s differ", pa, pb)
				mismatches++
			}
			return nil
		})
	if err != nil {
		return err
	}

	// And nothing extra in the restored tree.
	err = filepath.Walk(pathb, func(pb string, _ os.FileInfo, patherr error) error {
		if patherr != nil {
			return patherr
		}
		if _, err := os.Lstat(filepath.Join(patha, pb[len(pathb):])); os.IsNotExist(err) {
			log.Warning("%s: not in the original", pb)
			mismatches++
		}
		return nil
	})
	if err != nil {
		return err
	} else if mismatches > 0 {
		return fmt.Errorf("%d file mismatches", mismatches)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Reed-Solomon parity

// corruptMetadata flips a byte in the newest metadata snapshot, which
// has parity and so can be repaired.
func corruptMetadata(dst string) {
	matches, err := filepath.Glob(filepath.Join(dst, "rdiff-backup-data", "mirror_metadata.*.snapshot.gz"))
	if err != nil || len(matches) == 0 {
		log.Fatal("no metadata snapshots found (%v)", err)
	}
	corrupt(matches[len(matches)-1], 1)
}

// corrupt changes n random bytes of the file.
func corrupt(fn string, n int) {
	f, err := os.OpenFile(fn, os.O_RDWR, 0644)
	if err != nil {
		log.Fatal("%s", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		log.Fatal("%s", err)
	}
	for i := 0; i < n; i++ {
		offset := rand.Int63n(fi.Size())
		var b [1]byte
		if _, err := f.ReadAt(b[:], offset); err != nil {
			log.Fatal("%s", err)
		}
		b[0] += byte(1 + rand.Intn(254))
		if _, err := f.WriteAt(b[:], offset); err != nil {
			log.Fatal("%s", err)
		}
	}
	log.Verbose("%s: corrupted %d bytes", fn, n)
}

// parityTest encodes a file of random bytes with random parameters,
// corrupts it, and checks that it's repaired.
func parityTest(tmp string) {
	buf := make([]byte, 64+rand.Intn(16*1024*1024))
	_, _ = rand.Read(buf)
	fn := filepath.Join(tmp, "parity")
	if err := os.WriteFile(fn, buf, 0644); err != nil {
		log.Fatal("%s", err)
	}

	nShards := 1 + rand.Intn(24)
	nParity := 1 + rand.Intn(8)
	hashRate := 128 + (1 << uint(rand.Intn(20)))
	if _, err := runCommand(fmt.Sprintf("rbk parity encode --nshards %d --nparity %d --hashrate %d",
		nShards, nParity, hashRate), fn); err != nil {
		log.Fatal("%s", err)
	}
	if _, err := runCommand("rbk parity check", fn); err != nil {
		log.Fatal("%s", err)
	}

	corrupt(fn, 1+rand.Intn(nParity))
	if _, err := runCommand("rbk parity check", fn); err == nil {
		log.Fatal("check of corrupted file didn't fail?")
	}
	if _, err := runCommand("rbk parity restore", fn); err != nil {
		log.Fatal("%s", err)
	}
	if _, err := runCommand("rbk parity check", fn); err != nil {
		log.Fatal("%s", err)
	}

	f, err := os.Open(fn)
	if err != nil {
		log.Fatal("%s", err)
	}
	defer f.Close()
	restored, err := io.ReadAll(f)
	if err != nil {
		log.Fatal("%s", err)
	}
	if !bytes.Equal(buf, restored) {
		log.Fatal("%s: repaired file doesn't match the original", fn)
	}
}
