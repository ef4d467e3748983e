package consensus

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/hxrts/aura/pkg/crypto/frost"
	"github.com/hxrts/aura/pkg/types"
)

// DefaultRetainedEpochs is how many epochs of pipelined commitments the
// coordinator keeps.
const DefaultRetainedEpochs = 2

type cacheKey struct {
	witness types.AuthorityID
	epoch   types.Epoch
}

// CommitmentCache holds pipelined next-commitments keyed by (witness,
// epoch). It is sized witnesses × retained epochs, evicts least recently
// written entries beyond that, drops entries older than the retained
// window when the epoch advances, and consumes entries on use.
type CommitmentCache struct {
	mu       sync.Mutex
	entries  *lru.Cache
	retained types.Epoch
	current  types.Epoch
}

// NewCommitmentCache sizes the cache for witnesses.
func NewCommitmentCache(witnesses, retainedEpochs int) (*CommitmentCache, error) {
	if retainedEpochs <= 0 {
		retainedEpochs = DefaultRetainedEpochs
	}
	size := witnesses * retainedEpochs
	if size <= 0 {
		size = 1
	}
	entries, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CommitmentCache{entries: entries, retained: types.Epoch(retainedEpochs)}, nil
}

// Put stores witness's commitment for epoch, replacing an older one.
// Commitments for epochs already outside the window are ignored.
func (c *CommitmentCache) Put(witness types.AuthorityID, epoch types.Epoch, commitment frost.SigningCommitment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(epoch) {
		return
	}
	c.entries.Add(cacheKey{witness, epoch}, commitment)
}

// TakeAll removes and returns the commitment of every witness for epoch,
// or nothing if any is missing.
func (c *CommitmentCache) TakeAll(witnesses []types.AuthorityID, epoch types.Epoch) (map[types.AuthorityID]frost.SigningCommitment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[types.AuthorityID]frost.SigningCommitment, len(witnesses))
	for _, w := range witnesses {
		v, ok := c.entries.Peek(cacheKey{w, epoch})
		if !ok {
			return nil, false
		}
		out[w] = v.(frost.SigningCommitment)
	}
	for _, w := range witnesses {
		c.entries.Remove(cacheKey{w, epoch})
	}
	return out, true
}

// Advance moves the window to epoch and purges entries older than
// epoch - retained + 1.
func (c *CommitmentCache) Advance(epoch types.Epoch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch <= c.current {
		return
	}
	c.current = epoch
	for _, k := range c.entries.Keys() {
		if c.stale(k.(cacheKey).epoch) {
			c.entries.Remove(k)
		}
	}
}

func (c *CommitmentCache) stale(epoch types.Epoch) bool {
	return epoch+c.retained <= c.current
}

// Len is the number of cached commitments.
func (c *CommitmentCache) Len() int {
	return c.entries.Len()
}
