package database

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// CachedDirectory fronts a RoomDirectory with an LRU of positive lookups
// so that reconnect storms do not hit the room store for every join.
// Misses are never cached: a room created a moment ago must be joinable.
type CachedDirectory struct {
	next  RoomDirectory
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

func NewCachedDirectory(next RoomDirectory, size int, ttl time.Duration) (*CachedDirectory, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	return &CachedDirectory{
		next:  next,
		cache: cache,
		ttl:   ttl,
		now:   time.Now,
	}, nil
}

func (d *CachedDirectory) RoomExists(ctx context.Context, roomId string) (bool, error) {
	if v, ok := d.cache.Get(roomId); ok {
		if d.now().Before(v.(time.Time)) {
			return true, nil
		}
		d.cache.Remove(roomId)
	}

	exists, err := d.next.RoomExists(ctx, roomId)
	if err != nil {
		return false, err
	}
	if exists {
		d.cache.Add(roomId, d.now().Add(d.ttl))
	}

	return exists, nil
}

// Forget drops a cached lookup, e.g. after the room was deleted.
func (d *CachedDirectory) Forget(roomId string) {
	d.cache.Remove(roomId)
}
