package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/vitalpath/journey/internal/logger"
	"github.com/vitalpath/journey/internal/observability"
	"github.com/vitalpath/journey/internal/validation"
)

// Remote is the shared tier behind L1. RedisCache implements it.
type Remote[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Set(ctx context.Context, key string, value V) error
	Generation(ctx context.Context, key string) (int64, error)
	SetIfGeneration(ctx context.Context, key string, gen int64, value V) (bool, error)
	Invalidate(ctx context.Context, key string) error
}

// Broadcaster fans key invalidations out to peer instances. Bus implements it.
type Broadcaster interface {
	Publish(ctx context.Context, key string) error
}

// genStripes bounds the local generation table. Keys sharing a stripe only
// cost each other a skipped fill.
const genStripes = 256

type genStripe struct {
	mu  sync.Mutex
	gen uint64
}

// Version is a key's invalidation generation in every tier, taken before a
// load so the result can be stored only if nothing changed meanwhile.
type Version struct {
	local    uint64
	remote   int64
	remoteOK bool
}

// Tiered composes L1 with an optional L2 and invalidation broadcaster.
// With remote and bus nil it degrades to a single in-process tier.
type Tiered[V any] struct {
	l1      *MemoryCache[V]
	remote  Remote[V]
	bus     Broadcaster
	stripes [genStripes]genStripe
}

// NewTiered wires the tiers. l1 is required.
func NewTiered[V any](l1 *MemoryCache[V], remote Remote[V], bus Broadcaster) *Tiered[V] {
	validation.AssertNotNil(l1, "l1 cache")
	return &Tiered[V]{l1: l1, remote: remote, bus: bus}
}

func (t *Tiered[V]) stripe(key string) *genStripe {
	return &t.stripes[murmur3.Sum32([]byte(key))%genStripes]
}

func (t *Tiered[V]) localGen(key string) uint64 {
	s := t.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// fillL1 stores value unless key was invalidated locally since gen.
func (t *Tiered[V]) fillL1(key string, gen uint64, value V) bool {
	s := t.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		observability.CacheSkippedFills.WithLabelValues(tierL1).Inc()
		return false
	}
	t.l1.Set(key, value)
	return true
}

// Get checks L1 then L2, back-filling L1 on an L2 hit. L2 failures are
// logged and reported as a miss so callers fall through to the database.
func (t *Tiered[V]) Get(ctx context.Context, key string) (V, bool) {
	if v, ok := t.l1.Get(key); ok {
		return v, true
	}

	var zero V
	if t.remote == nil {
		return zero, false
	}

	gen := t.localGen(key)
	v, ok, err := t.remote.Get(ctx, key)
	if err != nil {
		observability.CacheErrors.WithLabelValues("get").Inc()
		logger.FromContext(ctx).Warn("l2 cache read failed", slog.String("key", key), slog.String("error", err.Error()))
		return zero, false
	}
	if !ok {
		observability.CacheMisses.WithLabelValues(tierL2).Inc()
		return zero, false
	}

	observability.CacheHits.WithLabelValues(tierL2).Inc()
	t.fillL1(key, gen, v)
	return v, true
}

// Version snapshots key's generation. An unreachable L2 is recorded so the
// matching SetIfUnchanged skips that tier.
func (t *Tiered[V]) Version(ctx context.Context, key string) Version {
	v := Version{local: t.localGen(key)}
	if t.remote == nil {
		return v
	}
	gen, err := t.remote.Generation(ctx, key)
	if err != nil {
		observability.CacheErrors.WithLabelValues("version").Inc()
		logger.FromContext(ctx).Warn("l2 generation read failed", slog.String("key", key), slog.String("error", err.Error()))
		return v
	}
	v.remote, v.remoteOK = gen, true
	return v
}

// SetIfUnchanged stores a value loaded after ver was taken. Nothing is
// written when key was invalidated in the meantime, locally, by a peer or in
// L2. It reports whether L1 now holds value.
func (t *Tiered[V]) SetIfUnchanged(ctx context.Context, key string, ver Version, value V) bool {
	if t.localGen(key) != ver.local {
		observability.CacheSkippedFills.WithLabelValues(tierL1).Inc()
		return false
	}

	if t.remote != nil && ver.remoteOK {
		stored, err := t.remote.SetIfGeneration(ctx, key, ver.remote, value)
		switch {
		case err != nil:
			observability.CacheErrors.WithLabelValues("set").Inc()
			logger.FromContext(ctx).Warn("l2 cache write failed", slog.String("key", key), slog.String("error", err.Error()))
		case !stored:
			// A peer invalidated; its broadcast may not have reached us yet.
			observability.CacheSkippedFills.WithLabelValues(tierL2).Inc()
			return false
		}
	}

	return t.fillL1(key, ver.local, value)
}

// Set writes both tiers unconditionally. An L2 failure is logged only.
func (t *Tiered[V]) Set(ctx context.Context, key string, value V) {
	t.l1.Set(key, value)
	if t.remote == nil {
		return
	}
	if err := t.remote.Set(ctx, key, value); err != nil {
		observability.CacheErrors.WithLabelValues("set").Inc()
		logger.FromContext(ctx).Warn("l2 cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// dropL1 bumps key's local generation and removes the L1 entry under the
// same lock, so no fill that started earlier can land afterwards.
func (t *Tiered[V]) dropL1(key string) {
	s := t.stripe(key)
	s.mu.Lock()
	s.gen++
	t.l1.Del(key)
	s.mu.Unlock()
}

// Invalidate drops key from L1 and L2 and tells peers to drop their L1 copy.
// L1 is always cleared; the returned error reports a failed L2 delete or publish.
func (t *Tiered[V]) Invalidate(ctx context.Context, key string) error {
	t.dropL1(key)
	observability.CacheInvalidations.WithLabelValues("local").Inc()

	if t.remote != nil {
		if err := t.remote.Invalidate(ctx, key); err != nil {
			observability.CacheErrors.WithLabelValues("invalidate").Inc()
			return fmt.Errorf("invalidate l2: %w", err)
		}
	}
	if t.bus != nil {
		if err := t.bus.Publish(ctx, key); err != nil {
			observability.CacheErrors.WithLabelValues("invalidate").Inc()
			return fmt.Errorf("broadcast invalidation: %w", err)
		}
	}
	return nil
}

// DropLocal removes key from L1 only. Bus subscribers call it for messages
// from peers.
func (t *Tiered[V]) DropLocal(key string) {
	t.dropL1(key)
	observability.CacheInvalidations.WithLabelValues("pubsub").Inc()
}
