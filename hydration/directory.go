package hydration

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/state"
)

// Directory resolves user IDs to contacts. Lookup only returns users it knows about.
type Directory interface {
	Lookup(ctx context.Context, userIDs []string) (map[string]internal.Contact, error)
	Store(ctx context.Context, contacts ...internal.Contact) error
}

// ProfileFetcher asks the server for a user's profile.
type ProfileFetcher interface {
	Profile(ctx context.Context, userID string) (internal.Contact, error)
}

// CachedDirectory is a Directory backed by the contacts table with an in-memory TTL cache in front.
type CachedDirectory struct {
	cache *ttlcache.Cache[string, internal.Contact]
	table *state.ContactsTable
}

func NewCachedDirectory(table *state.ContactsTable, ttl time.Duration) *CachedDirectory {
	cache := ttlcache.New[string, internal.Contact](
		ttlcache.WithTTL[string, internal.Contact](ttl),
		ttlcache.WithDisableTouchOnHit[string, internal.Contact](),
	)
	go cache.Start()
	return &CachedDirectory{
		cache: cache,
		table: table,
	}
}

func (d *CachedDirectory) Lookup(ctx context.Context, userIDs []string) (map[string]internal.Contact, error) {
	result := make(map[string]internal.Contact, len(userIDs))
	var misses []string
	for _, userID := range userIDs {
		if item := d.cache.Get(userID); item != nil {
			result[userID] = item.Value()
			continue
		}
		misses = append(misses, userID)
	}
	if len(misses) == 0 {
		return result, nil
	}
	stored, err := d.table.Select(ctx, misses)
	if err != nil {
		// the cached part is still useful
		return result, err
	}
	for userID, c := range stored {
		d.cache.Set(userID, c, ttlcache.DefaultTTL)
		result[userID] = c
	}
	return result, nil
}

func (d *CachedDirectory) Store(ctx context.Context, contacts ...internal.Contact) error {
	for _, c := range contacts {
		if c.Placeholder {
			continue
		}
		d.cache.Set(c.UserID, c, ttlcache.DefaultTTL)
	}
	return d.table.Upsert(ctx, contacts...)
}

func (d *CachedDirectory) Stop() {
	d.cache.Stop()
}
