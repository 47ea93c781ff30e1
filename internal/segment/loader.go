package segment

import (
	"context"
	"fmt"
)

// Loader reads through the cache: a hit is served from memory, a miss is
// fetched from the source and offered to the cache before it is returned.
type Loader struct {
	cache  *Cache
	source Source
}

// NewLoader returns a Loader over cache and source.
func NewLoader(cache *Cache, source Source) *Loader {
	return &Loader{cache: cache, source: source}
}

// Load returns the segment for key and whether it came from the cache.
// Source errors are returned wrapped in ErrStorageFailure.
func (l *Loader) Load(ctx context.Context, key Key) (Segment, bool, error) {
	if seg, ok := l.cache.Get(key); ok {
		return seg, true, nil
	}

	seg, err := l.source.Fetch(ctx, key)
	if err != nil {
		return Segment{}, false, storageError(key, err)
	}
	if seg.Key() != key {
		return Segment{}, false, storageError(key, fmt.Errorf("source returned %s", seg.Key()))
	}

	l.cache.Put(seg)
	return seg, false, nil
}

// Cache returns the underlying cache.
func (l *Loader) Cache() *Cache {
	return l.cache
}
