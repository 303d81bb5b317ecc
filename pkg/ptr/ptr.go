// Package ptr resolves responder addresses to PTR names.
package ptr

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Key is the annotation key of PTR names.
const Key = "ptr"

const (
	defaultTTL         = time.Hour
	defaultNegativeTTL = 5 * time.Minute
)

// PtrManager handles PTR lookups with caching. It is safe for concurrent
// use. Failed lookups are cached as empty names for a shorter time.
type PtrManager struct {
	cache       *ttlcache.Cache[netip.Addr, string]
	lookupFunc  func(ctx context.Context, addr string) ([]string, error)
	retries     int
	retryDelay  time.Duration
	negativeTTL time.Duration
}

// NewPtrManager creates a new PtrManager using the default resolver
func NewPtrManager() *PtrManager {
	return &PtrManager{
		cache: ttlcache.New(
			ttlcache.WithTTL[netip.Addr, string](defaultTTL),
			ttlcache.WithDisableTouchOnHit[netip.Addr, string](),
		),
		lookupFunc:  net.DefaultResolver.LookupAddr,
		retries:     3,
		retryDelay:  100 * time.Millisecond,
		negativeTTL: defaultNegativeTTL,
	}
}

// normalizePTR removes the trailing dot of a fully qualified name.
func normalizePTR(name string) string {
	return strings.TrimSuffix(name, ".")
}

// Lookup returns the PTR name of addr, from the cache if possible. It
// reports false when addr has no name.
func (pm *PtrManager) Lookup(ctx context.Context, addr netip.Addr) (string, bool) {
	if item := pm.cache.Get(addr); item != nil {
		name := item.Value()
		return name, name != ""
	}

	for attempt := range pm.retries {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", false
			case <-time.After(pm.retryDelay):
			}
		}
		names, err := pm.lookupFunc(ctx, addr.String())
		if err == nil && len(names) > 0 {
			if name := normalizePTR(names[0]); name != "" {
				pm.cache.Set(addr, name, ttlcache.DefaultTTL)
				return name, true
			}
		}
		if ctx.Err() != nil {
			return "", false
		}
	}
	pm.cache.Set(addr, "", pm.negativeTTL)
	return "", false
}

// Annotate returns the PTR name of addr as an annotation.
func (pm *PtrManager) Annotate(ctx context.Context, addr netip.Addr) (map[string]string, error) {
	name, ok := pm.Lookup(ctx, addr)
	if !ok {
		return nil, ctx.Err()
	}
	return map[string]string{Key: name}, nil
}
