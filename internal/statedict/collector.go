package statedict

import (
	"fmt"
	"strings"

	"github.com/samcharles93/shardpool/internal/loaderr"
	"github.com/samcharles93/shardpool/internal/modelspec"
	"github.com/samcharles93/shardpool/internal/shard"
)

// collector tracks which entries of one group (the base group, or one layer)
// have been filled. It is not safe for concurrent use.
type collector struct {
	layer   int // loaderr.NoLayer for the base group
	entries []modelspec.Entry
	shapes  [][]uint64
	filled  []*shard.Descriptor
}

func newCollector(layer int, entries []modelspec.Entry, h modelspec.Hyperparams) *collector {
	c := &collector{
		layer:   layer,
		entries: entries,
		shapes:  make([][]uint64, len(entries)),
		filled:  make([]*shard.Descriptor, len(entries)),
	}
	for i, e := range entries {
		c.shapes[i] = e.Expected(h)
	}
	return c
}

// match returns the first entry, in declaration order, whose match key is
// contained in key.
func (c *collector) match(key string) int {
	for i, e := range c.entries {
		if strings.Contains(key, e.MatchKey) {
			return i
		}
	}
	return -1
}

func (c *collector) include(d *shard.Descriptor) error {
	i := c.match(d.Meta.Key)
	if i < 0 {
		return c.fail(loaderr.New(loaderr.UnknownEntry, d.Meta.Key, "no spec entry matches"), d)
	}
	if prev := c.filled[i]; prev != nil {
		return c.fail(loaderr.New(loaderr.DuplicateEntry, c.entries[i].Name,
			"%s already filled by %s", d.Meta.Key, prev.Meta.Key), d)
	}
	if err := compareShape(c.shapes[i], d.Meta.Shape); err != nil {
		return c.fail(loaderr.New(loaderr.ShapeMismatch, c.entries[i].Name, "%s: %v", d.Meta.Key, err), d)
	}
	c.filled[i] = d
	return nil
}

func (c *collector) fail(e *loaderr.Error, d *shard.Descriptor) error {
	return e.WithLayer(c.layer).WithPath(d.Dir)
}

// complete returns the filled descriptors in declaration order, or an
// IncompleteState error naming the first empty slot. An empty tied slot is
// returned as nil.
func (c *collector) complete() ([]*shard.Descriptor, error) {
	for i, d := range c.filled {
		if d == nil && c.entries[i].TiedTo == "" {
			return nil, loaderr.New(loaderr.IncompleteState, c.entries[i].Name, "no shard supplied").WithLayer(c.layer)
		}
	}
	out := make([]*shard.Descriptor, len(c.filled))
	copy(out, c.filled)
	return out, nil
}

// ties lists the empty tied entries, which borrow another entry's region.
func (c *collector) ties() []modelspec.Entry {
	var out []modelspec.Entry
	for i, e := range c.entries {
		if e.TiedTo != "" && c.filled[i] == nil {
			out = append(out, e)
		}
	}
	return out
}

// expected is the number of slots that still need a shard of their own.
func (c *collector) expected() int {
	return len(c.entries) - len(c.ties())
}

func (c *collector) count() int {
	n := 0
	for _, d := range c.filled {
		if d != nil {
			n++
		}
	}
	return n
}

func compareShape(want, got []uint64) error {
	if len(want) != len(got) {
		return fmt.Errorf("rank %d (%v), want rank %d (%v)", len(got), got, len(want), want)
	}
	for i := range want {
		if want[i] != got[i] {
			return fmt.Errorf("dim %d is %d, want %d (shape %v, want %v)", i, got[i], want[i], got, want)
		}
	}
	return nil
}
