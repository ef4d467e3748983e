package store

import (
	"context"

	"github.com/hxrts/aura/pkg/effects"
	"github.com/hxrts/aura/pkg/journal"
	"github.com/hxrts/aura/pkg/types"
)

// JournalKey is where an authority's journal snapshot lives.
func JournalKey(authority types.AuthorityID) string {
	return "journal/" + authority.String()
}

// SaveJournal writes the canonical snapshot of j under key and returns
// its hash.
func SaveJournal(ctx context.Context, s effects.StorageEffects, key string, j *journal.Journal) (types.Hash32, error) {
	data, err := j.MarshalCanonical()
	if err != nil {
		return types.Hash32{}, err
	}
	if err := s.Store(ctx, key, data); err != nil {
		return types.Hash32{}, err
	}
	return types.HashBytes(data), nil
}

// LoadJournal reads the snapshot under key. Snapshots from an
// incompatible format version are rejected as Invalid.
func LoadJournal(ctx context.Context, s effects.StorageEffects, key string, opts ...journal.Option) (*journal.Journal, error) {
	data, err := s.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	return journal.DecodeSnapshot(data, opts...)
}
