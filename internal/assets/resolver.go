package assets

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Source is the outbound lookup surface the resolver depends on: a primary
// asset-URL endpoint and a static-file URL builder for the fallback arm.
type Source interface {
	// AssetURL asks the backend for the canonical URL of one asset.
	AssetURL(ctx context.Context, subjectID int64, kind string) (string, error)

	// StaticURL derives a URL for a known static file path. Deterministic,
	// no network.
	StaticURL(path string) string
}

// Resolution is the outcome of a resolve call. Unavailable resolutions are a
// result, not an error; callers render a placeholder.
type Resolution struct {
	Key         Key    `json:"key"`
	URL         string `json:"url,omitempty"`
	Origin      Origin `json:"origin,omitempty"`
	FromCache   bool   `json:"from_cache,omitempty"`
	Unavailable bool   `json:"unavailable,omitempty"`
}

// Resolver turns asset keys into loadable URLs. Distinct keys resolve in
// parallel; concurrent calls for one uncached key share a single in-flight
// lookup so two callers can never race to cache different values.
type Resolver struct {
	cache  *Cache
	source Source
	flight singleflight.Group
}

// NewResolver creates a resolver backed by the given cache and lookup source.
func NewResolver(cache *Cache, source Source) *Resolver {
	return &Resolver{cache: cache, source: source}
}

// Resolve returns a URL for the asset identified by (subjectID, kind).
//
// The chain: a cache hit returns immediately with no network call. On a miss
// the primary lookup runs; on success the URL is cached under origin
// "primary". If the primary fails and fallbackPath is non-empty, a static
// URL is derived from it and cached under origin "fallback". With no
// fallback the resolution is Unavailable and nothing is cached, so a later
// call may try again.
//
// The error return is reserved for context cancellation.
func (r *Resolver) Resolve(ctx context.Context, subjectID int64, kind, fallbackPath string) (Resolution, error) {
	key := Key{SubjectID: subjectID, Kind: kind}

	if e, ok := r.cache.Get(key); ok {
		return Resolution{Key: key, URL: e.URL, Origin: e.Origin, FromCache: true}, nil
	}

	v, err, _ := r.flight.Do(key.String(), func() (any, error) {
		// A call that was coalesced behind a completed flight re-checks the
		// cache before paying for a lookup of its own.
		if e, ok := r.cache.Get(key); ok {
			return Resolution{Key: key, URL: e.URL, Origin: e.Origin, FromCache: true}, nil
		}

		url, perr := r.source.AssetURL(ctx, subjectID, kind)
		if perr == nil && url != "" {
			r.cache.Put(key, Entry{URL: url, Origin: OriginPrimary, ResolvedAt: time.Now()})
			return Resolution{Key: key, URL: url, Origin: OriginPrimary}, nil
		}
		if ctx.Err() != nil {
			if perr == nil {
				perr = ctx.Err()
			}
			return nil, perr
		}

		if fallbackPath != "" {
			static := r.source.StaticURL(fallbackPath)
			r.cache.Put(key, Entry{URL: static, Origin: OriginFallback, ResolvedAt: time.Now()})
			zap.L().Debug("assets: primary lookup failed, using static fallback",
				zap.Int64("subject_id", subjectID),
				zap.String("kind", kind),
				zap.Error(perr),
			)
			return Resolution{Key: key, URL: static, Origin: OriginFallback}, nil
		}

		zap.L().Debug("assets: unresolvable",
			zap.Int64("subject_id", subjectID),
			zap.String("kind", kind),
			zap.Error(perr),
		)
		return Resolution{Key: key, Unavailable: true}, nil
	})
	if err != nil {
		return Resolution{}, err
	}
	return v.(Resolution), nil
}

// Invalidate drops the cached resolution for (subjectID, kind).
func (r *Resolver) Invalidate(subjectID int64, kind string) {
	r.cache.Invalidate(Key{SubjectID: subjectID, Kind: kind})
}
