// Package cache merges partial live packets and decides which of them carry
// information that has not been uploaded yet.
package cache

import (
	"reflect"
	"sync"

	"github.com/samber/lo"

	"github.com/jacaudi/wunderground_like/internal/packet"
)

// DefaultMaxAge is how long, in seconds, a cached value stays usable.
const DefaultMaxAge = 600

type entry struct {
	value any
	ts    int64
}

// CachedValues remembers the latest value of every observation. Many stations
// report only a few fields per packet; merging them gives the uploader a full
// picture.
type CachedValues struct {
	mu sync.Mutex

	maxAge       int64
	values       map[string]entry
	lastArchived int64
	lastNovel    packet.Packet
}

// Option customizes a CachedValues.
type Option func(*CachedValues)

// WithMaxAge sets the age in seconds after which a cached value is ignored.
// Zero keeps values forever.
func WithMaxAge(seconds int64) Option {
	return func(c *CachedValues) { c.maxAge = seconds }
}

// WithLastArchived seeds the timestamp of the newest archived record, so loop
// packets older than what the archive already holds are never novel.
func WithLastArchived(ts int64) Option {
	return func(c *CachedValues) { c.lastArchived = ts }
}

// New returns an empty cache.
func New(opts ...Option) *CachedValues {
	c := &CachedValues{
		maxAge: DefaultMaxAge,
		values: make(map[string]entry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// update folds the non-nil values of p into the cache, stamping them with ts.
func (c *CachedValues) update(p packet.Packet, ts int64) {
	for k, v := range p {
		if v == nil || k == "dateTime" {
			continue
		}
		c.values[k] = entry{value: v, ts: ts}
	}
}

// packet returns the cached values that are still fresh at ts, with dateTime
// set to ts.
func (c *CachedValues) packet(ts int64) packet.Packet {
	out := make(packet.Packet, len(c.values)+1)
	for k, e := range c.values {
		if c.maxAge > 0 && ts-e.ts > c.maxAge {
			continue
		}
		out[k] = e.value
	}
	out["dateTime"] = ts
	return out
}

// Observe merges p into the cache and returns the merged packet. The packet is
// novel when ts is newer than the last archived record and its values differ
// from the last novel packet.
func (c *CachedValues) Observe(p packet.Packet, ts int64) (packet.Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.update(p, ts)
	merged := c.packet(ts)

	if ts <= c.lastArchived {
		return merged, false
	}
	if c.lastNovel != nil && sameValues(merged, c.lastNovel) {
		return merged, false
	}
	c.lastNovel = merged
	return merged, true
}

// Archived notes that rec went out on the archive path.
func (c *CachedValues) Archived(rec packet.Packet) {
	ts, ok := rec.DateTime()
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.lastArchived {
		c.lastArchived = ts
	}
}

func sameValues(a, b packet.Packet) bool {
	return reflect.DeepEqual(
		lo.OmitByKeys(a, []string{"dateTime"}),
		lo.OmitByKeys(b, []string{"dateTime"}),
	)
}
