package mask

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/owsgate/owsgate/internal/core/observability"
	"github.com/owsgate/owsgate/internal/geo"
)

// Store caches rendered alpha masks. A small in-process LRU sits in front
// of Redis so repeated tiles of the same view skip the network entirely;
// Redis shares masks across instances. Both layers are best effort: a cache
// failure falls back to rasterizing.
type Store struct {
	rdb   *redis.Client
	front *lru.Cache[string, *image.Alpha]
	ttl   time.Duration
	log   zerolog.Logger
}

// NewStore connects the cache. addr empty disables the Redis layer.
func NewStore(ctx context.Context, addr string, frontSize int, ttl time.Duration, log zerolog.Logger) (*Store, error) {
	if frontSize <= 0 {
		frontSize = 512
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	front, _ := lru.New[string, *image.Alpha](frontSize)
	s := &Store{front: front, ttl: ttl, log: log}
	if addr == "" {
		return s, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     64,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s.rdb = rdb
	return s, nil
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	if s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}

// Mask returns the alpha mask for the restriction, from cache when
// possible.
func (s *Store) Mask(ctx context.Context, g geo.Geometry, bb geo.BBox, width, height int) *image.Alpha {
	key := Key(g, bb, width, height)
	if m, ok := s.front.Get(key); ok {
		observability.ObserveMaskCache("front_hit")
		return m
	}
	if m := s.fromRedis(ctx, key, width, height); m != nil {
		observability.ObserveMaskCache("redis_hit")
		s.front.Add(key, m)
		return m
	}
	observability.ObserveMaskCache("miss")
	m := Rasterize(g, bb, width, height)
	s.front.Add(key, m)
	s.toRedis(ctx, key, m)
	return m
}

func (s *Store) fromRedis(ctx context.Context, key string, width, height int) *image.Alpha {
	if s.rdb == nil {
		return nil
	}
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Debug().Err(err).Msg("mask cache read failed")
		}
		return nil
	}
	if len(data) != width*height {
		// stale entry from a different raster layout
		return nil
	}
	m := image.NewAlpha(image.Rect(0, 0, width, height))
	copy(m.Pix, data)
	return m
}

func (s *Store) toRedis(ctx context.Context, key string, m *image.Alpha) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Set(ctx, key, m.Pix, s.ttl).Err(); err != nil {
		s.log.Debug().Err(err).Msg("mask cache write failed")
	}
}
