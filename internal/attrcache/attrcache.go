// Package attrcache caches the per-origin wave/numeric/enumeration
// attribute rows referenced by streaming sample messages, so each
// distinct id is resolved from the source database at most once per
// process lifetime.
//
// Grounded on server.py's DWCDBServer.get_wave_attr/get_numeric_attr/
// get_enumeration_attr: each keeps a dict cache on the server object
// and falls back to a fresh query on a miss, treating "no such row" as
// a permanent, cacheable answer (undefined_wave/undefined_numeric/
// undefined_enumeration) rather than a transient failure.
package attrcache

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/message"
	"github.com/MIT-LCP/downcast/internal/sqlsource"
)

// Source is the subset of sqlsource.PGSource this cache depends on.
type Source interface {
	FetchWaveAttr(ctx context.Context, waveID int64) (message.WaveAttr, error)
	FetchNumericAttr(ctx context.Context, numericID int64) (message.NumericAttr, error)
	FetchEnumerationAttr(ctx context.Context, enumerationID int64) (message.EnumerationAttr, error)
}

var _ Source = (*sqlsource.PGSource)(nil)

// Cache implements archive.WaveAttrResolver, archive.NumericAttrResolver,
// and archive.EnumerationAttrResolver against a single row source.
//
// Every cached query runs against the same origin's Source, since a
// downcast process only ever talks to one DWC server at a time; the
// origin parameter on each resolver method is carried for interface
// compatibility and to key the cache defensively in case that ever
// changes, not because distinct origins are expected in practice.
type Cache struct {
	src Source
	log zerolog.Logger

	mu    sync.Mutex
	waves map[attrKey]message.WaveAttr
	nums  map[attrKey]message.NumericAttr
	enums map[attrKey]message.EnumerationAttr
}

type attrKey struct {
	origin message.Origin
	id     int64
}

// New constructs a Cache backed by src.
func New(src Source, log zerolog.Logger) *Cache {
	return &Cache{
		src:   src,
		log:   log.With().Str("component", "attrcache").Logger(),
		waves: make(map[attrKey]message.WaveAttr),
		nums:  make(map[attrKey]message.NumericAttr),
		enums: make(map[attrKey]message.EnumerationAttr),
	}
}

// WaveAttr resolves a wave id, mirroring get_wave_attr.
func (c *Cache) WaveAttr(origin message.Origin, waveID int64, mustResolve bool) (message.WaveAttr, bool) {
	key := attrKey{origin, waveID}

	c.mu.Lock()
	if v, ok := c.waves[key]; ok {
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	v, err := c.src.FetchWaveAttr(context.Background(), waveID)
	undefined := errors.Is(err, pgx.ErrNoRows)
	if err != nil && !undefined {
		c.log.Error().Err(err).Int64("wave_id", waveID).Msg("failed to resolve wave attribute")
		if !mustResolve {
			return message.WaveAttr{}, false
		}
		v = message.WaveAttr{}
	}

	c.mu.Lock()
	c.waves[key] = v
	c.mu.Unlock()
	return v, true
}

// NumericAttr resolves a numeric id, mirroring get_numeric_attr.
func (c *Cache) NumericAttr(origin message.Origin, numericID int64, mustResolve bool) (message.NumericAttr, bool) {
	key := attrKey{origin, numericID}

	c.mu.Lock()
	if v, ok := c.nums[key]; ok {
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	v, err := c.src.FetchNumericAttr(context.Background(), numericID)
	undefined := errors.Is(err, pgx.ErrNoRows)
	if err != nil && !undefined {
		c.log.Error().Err(err).Int64("numeric_id", numericID).Msg("failed to resolve numeric attribute")
		if !mustResolve {
			return message.NumericAttr{}, false
		}
		v = message.NumericAttr{}
	}

	c.mu.Lock()
	c.nums[key] = v
	c.mu.Unlock()
	return v, true
}

// EnumerationAttr resolves an enumeration id, mirroring get_enumeration_attr.
func (c *Cache) EnumerationAttr(origin message.Origin, enumerationID int64, mustResolve bool) (message.EnumerationAttr, bool) {
	key := attrKey{origin, enumerationID}

	c.mu.Lock()
	if v, ok := c.enums[key]; ok {
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	v, err := c.src.FetchEnumerationAttr(context.Background(), enumerationID)
	undefined := errors.Is(err, pgx.ErrNoRows)
	if err != nil && !undefined {
		c.log.Error().Err(err).Int64("enumeration_id", enumerationID).Msg("failed to resolve enumeration attribute")
		if !mustResolve {
			return message.EnumerationAttr{}, false
		}
		v = message.EnumerationAttr{}
	}

	c.mu.Lock()
	c.enums[key] = v
	c.mu.Unlock()
	return v, true
}
