// backup/changes_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmp/rbk/cache"
	"github.com/mmp/rbk/collate"
	"github.com/mmp/rbk/record"
	u "github.com/mmp/rbk/util"
)

// Cache lookups that fail while building changes are logged rather than
// dropped.
func TestChangeCacheMissesLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := &Session{Opts: DefaultOptions()}
	s.Opts.Log = u.FromZap(zap.New(core))
	s.cache = cache.New(collate.New(record.FromSlice(nil), record.FromSlice(nil)),
		cache.Options{Hardlinks: true})
	cs := newChangeStream(s)

	src := &record.Record{Index: record.ParseIndex("kept"), Kind: record.Regular}
	dst := &record.Record{Index: record.ParseIndex("kept"), Kind: record.Regular, Hash: "abcd"}
	cs.keepHash(src.Index, src, dst)
	assert.Equal(t, 1, logs.FilterMessageSnippet("kept").Len())

	plain := &record.Record{Index: record.ParseIndex("plain"), Kind: record.Regular}
	c := cs.makeChange(plain.Index, plain)
	assert.Equal(t, record.Snapshot, c.Rec.Attached().Kind)
	assert.Equal(t, 1, logs.FilterMessageSnippet("plain").Len())

	first := &record.Record{Index: record.ParseIndex("first"), Kind: record.Regular,
		NLink: 2, Device: 1, Inode: 7}
	second := first.Clone()
	second.Index = record.ParseIndex("second")
	s.cache.Links.Add(first, nil)
	c = cs.makeChange(second.Index, second)
	assert.True(t, c.LinkTo.Equal(first.Index))
	assert.Equal(t, 1, logs.FilterMessageSnippet("second").Len())
}
