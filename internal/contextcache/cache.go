// Package contextcache keeps a TTL-bounded snapshot of each farmer's
// relational data in Redis, rebuilding it from the store on a miss.
package contextcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"time"

	"dario.cat/mergo"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/ashureev/farm-intake/internal/domain"
	"github.com/ashureev/farm-intake/internal/metrics"
)

// DefaultTTL is the lifetime of a cached package.
const DefaultTTL = 4 * time.Hour

const (
	keyPrefix     = "profile_cache:"
	maxTxAttempts = 5
)

var (
	// ErrFarmerNotFound is returned when the store has no such farmer.
	ErrFarmerNotFound = errors.New("farmer not found")
	// ErrCacheUnavailable is returned by Stats when Redis cannot be reached.
	ErrCacheUnavailable = errors.New("context cache unavailable")
	// ErrUpdateConflict is returned when an update keeps losing optimistic lock races.
	ErrUpdateConflict = errors.New("context cache update conflict")
)

// Interface is the subset of the Redis client the cache needs.
type Interface interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
	Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error
	Ping(ctx context.Context) *redis.StatusCmd
}

// Source is the relational data the cache is built from.
type Source interface {
	GetFarmer(ctx context.Context, farmerID int64) (*domain.Farmer, error)
	ListFields(ctx context.Context, farmerID int64) ([]domain.Field, error)
	ListCropAssignments(ctx context.Context, farmerID int64) ([]domain.CropAssignment, error)
	ListTasks(ctx context.Context, farmerID int64) ([]domain.Task, error)
	ListMaterialUsage(ctx context.Context, farmerID int64) ([]domain.MaterialUsage, error)
}

// Stats describes a cache entry.
type Stats struct {
	FarmerID     int64         `json:"farmer_id"`
	Exists       bool          `json:"exists"`
	TTLRemaining time.Duration `json:"ttl_remaining"`
}

// Cache is a cache-aside store of context packages.
type Cache struct {
	client  Interface
	source  Source
	ttl     time.Duration
	group   singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Cache. A zero ttl uses DefaultTTL.
func New(client Interface, source Source, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		client:  client,
		source:  source,
		ttl:     ttl,
		logger:  logger.With("component", "contextcache"),
		metrics: m,
		now:     time.Now,
	}
}

func cacheKey(farmerID int64) string {
	return keyPrefix + strconv.FormatInt(farmerID, 10)
}

// Get returns the cached package for farmerID, building and storing it on a
// miss. Reads never extend the TTL. A rebuilt package never replaces an
// entry written meanwhile by Update. When Redis is unreachable the package
// is built from the store and not cached.
func (c *Cache) Get(ctx context.Context, farmerID int64) (*Package, error) {
	key := cacheKey(farmerID)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var pkg Package
		unmarshalErr := json.Unmarshal(data, &pkg)
		if unmarshalErr == nil {
			c.metrics.CacheRequest("hit")
			return &pkg, nil
		}
		c.logger.Warn("discarding corrupt context package", "farmer_id", farmerID, "error", unmarshalErr)
	case errors.Is(err, redis.Nil):
	default:
		c.metrics.CacheRequest("degraded")
		c.logger.Warn("context cache unavailable, building from source", "farmer_id", farmerID, "error", err)
		return c.build(ctx, farmerID)
	}

	c.metrics.CacheRequest("miss")
	v, err, _ := c.group.Do(key, func() (any, error) {
		buildCtx := context.WithoutCancel(ctx)
		pkg, err := c.build(buildCtx, farmerID)
		if err != nil {
			return nil, err
		}
		return c.storeIfAbsent(buildCtx, key, farmerID, pkg), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Package), nil
}

// Update merge-patches patch into the cached package, creating it from the
// store when absent, and resets the TTL. Maps merge per key and non-zero
// patch values override. The write is atomic under concurrent updates.
func (c *Cache) Update(ctx context.Context, farmerID int64, patch *Package) (*Package, error) {
	key := cacheKey(farmerID)
	var result *Package

	txf := func(tx *redis.Tx) error {
		current, err := c.readTx(ctx, tx, key, farmerID)
		if err != nil {
			return err
		}
		merged, err := c.apply(current, patch)
		if err != nil {
			return err
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshal context package: %w", err)
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			return nil
		}); err != nil {
			return err
		}
		result = merged
		return nil
	}

	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := c.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, redis.TxFailedErr):
			c.logger.Debug("context package changed during update, retrying", "farmer_id", farmerID, "attempt", attempt)
			continue
		case errors.Is(err, ErrFarmerNotFound), ctx.Err() != nil:
			return nil, err
		default:
			c.metrics.CacheRequest("degraded")
			c.logger.Warn("context cache unavailable, applying update to source snapshot", "farmer_id", farmerID, "error", err)
			current, buildErr := c.build(ctx, farmerID)
			if buildErr != nil {
				return nil, buildErr
			}
			return c.apply(current, patch)
		}
	}
	return nil, fmt.Errorf("%w: farmer %d after %d attempts", ErrUpdateConflict, farmerID, maxTxAttempts)
}

// Invalidate deletes the cached package. It is a logged no-op when Redis
// is unreachable.
func (c *Cache) Invalidate(ctx context.Context, farmerID int64) {
	if err := c.client.Del(ctx, cacheKey(farmerID)).Err(); err != nil {
		c.logger.Warn("context cache invalidate skipped, cache unavailable", "farmer_id", farmerID, "error", err)
		return
	}
	c.logger.Debug("context package invalidated", "farmer_id", farmerID)
}

// Stats reports whether a package is cached and how long it has left.
func (c *Cache) Stats(ctx context.Context, farmerID int64) (Stats, error) {
	ttl, err := c.client.TTL(ctx, cacheKey(farmerID)).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	st := Stats{FarmerID: farmerID}
	// Redis reports -2 for a missing key and -1 for a key without expiry.
	if ttl > 0 || ttl == -1 {
		st.Exists = true
	}
	if ttl > 0 {
		st.TTLRemaining = ttl
	}
	return st, nil
}

// Ping checks Redis connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) readTx(ctx context.Context, tx *redis.Tx, key string, farmerID int64) (*Package, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if err == nil {
		var pkg Package
		if unmarshalErr := json.Unmarshal(data, &pkg); unmarshalErr == nil {
			return &pkg, nil
		}
		c.logger.Warn("discarding corrupt context package", "farmer_id", farmerID)
	} else if !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return c.build(ctx, farmerID)
}

func (c *Cache) apply(current, patch *Package) (*Package, error) {
	merged := *current
	if patch != nil {
		p := *patch
		// Bookkeeping fields are owned by the cache.
		p.FarmerID, p.TotalFields, p.Version, p.Source = 0, 0, 0, ""
		p.GeneratedAt, p.ExpiresAt = time.Time{}, time.Time{}
		if err := mergo.Merge(&merged, p, mergo.WithOverride, mergo.WithTransformers(zeroSkipper{})); err != nil {
			return nil, fmt.Errorf("merge context package: %w", err)
		}
	}
	now := c.now()
	merged.TotalFields = len(merged.Fields)
	merged.GeneratedAt = now
	merged.ExpiresAt = now.Add(c.ttl)
	merged.Source = SourceUpdate
	merged.Version = current.Version + 1
	return &merged, nil
}

// storeIfAbsent caches pkg unless a valid entry already exists, in which
// case the existing entry wins and is returned. Corrupt entries are replaced.
func (c *Cache) storeIfAbsent(ctx context.Context, key string, farmerID int64, pkg *Package) *Package {
	encoded, err := json.Marshal(pkg)
	if err != nil {
		c.logger.Warn("failed to marshal context package", "error", err)
		return pkg
	}

	var result *Package
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var current Package
			if json.Unmarshal(data, &current) == nil {
				result = &current
				return nil
			}
		case !errors.Is(err, redis.Nil):
			return err
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, c.ttl)
			return nil
		}); err != nil {
			return err
		}
		result = pkg
		return nil
	}

	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := c.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			if result != pkg {
				c.logger.Debug("rebuilt package lost to a concurrent write", "farmer_id", farmerID, "version", result.Version)
			}
			return result
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			c.logger.Warn("failed to cache context package", "key", key, "error", err)
			return pkg
		}
	}
	c.logger.Warn("gave up caching context package after repeated conflicts", "farmer_id", farmerID)
	return pkg
}

// build assembles a package directly from the store.
func (c *Cache) build(ctx context.Context, farmerID int64) (*Package, error) {
	farmer, err := c.source.GetFarmer(ctx, farmerID)
	if err != nil {
		return nil, fmt.Errorf("load farmer %d: %w", farmerID, err)
	}
	if farmer == nil {
		return nil, fmt.Errorf("%w: %d", ErrFarmerNotFound, farmerID)
	}
	fields, err := c.source.ListFields(ctx, farmerID)
	if err != nil {
		return nil, fmt.Errorf("load fields for farmer %d: %w", farmerID, err)
	}
	crops, err := c.source.ListCropAssignments(ctx, farmerID)
	if err != nil {
		return nil, fmt.Errorf("load crops for farmer %d: %w", farmerID, err)
	}
	tasks, err := c.source.ListTasks(ctx, farmerID)
	if err != nil {
		return nil, fmt.Errorf("load tasks for farmer %d: %w", farmerID, err)
	}
	materials, err := c.source.ListMaterialUsage(ctx, farmerID)
	if err != nil {
		return nil, fmt.Errorf("load materials for farmer %d: %w", farmerID, err)
	}

	now := c.now()
	pkg := &Package{
		FarmerID:    farmerID,
		FarmerInfo:  *farmer,
		Fields:      append([]domain.Field{}, fields...),
		Tasks:       make(map[int64][]domain.Task, len(fields)),
		Crops:       make(map[int64][]domain.CropAssignment, len(fields)),
		Materials:   make(map[int64][]domain.MaterialUsage, len(fields)),
		TotalFields: len(fields),
		GeneratedAt: now,
		ExpiresAt:   now.Add(c.ttl),
		Source:      SourceDatabase,
		Version:     1,
	}
	for _, f := range fields {
		pkg.Tasks[f.ID] = []domain.Task{}
		pkg.Crops[f.ID] = []domain.CropAssignment{}
		pkg.Materials[f.ID] = []domain.MaterialUsage{}
	}
	for _, t := range tasks {
		pkg.Tasks[t.FieldID] = append(pkg.Tasks[t.FieldID], t)
	}
	for _, cr := range crops {
		pkg.Crops[cr.FieldID] = append(pkg.Crops[cr.FieldID], cr)
	}
	for _, m := range materials {
		pkg.Materials[m.FieldID] = append(pkg.Materials[m.FieldID], m)
	}
	return pkg, nil
}

// zeroSkipper stops mergo from overwriting time and decimal values with
// zero values from a patch. Both types have no exported fields, so mergo
// would otherwise treat them as always set.
type zeroSkipper struct{}

var (
	timeType    = reflect.TypeOf(time.Time{})
	decimalType = reflect.TypeOf(decimal.Decimal{})
)

func (zeroSkipper) Transformer(t reflect.Type) func(dst, src reflect.Value) error {
	if t != timeType && t != decimalType {
		return nil
	}
	return func(dst, src reflect.Value) error {
		if dst.CanSet() && !src.IsZero() {
			dst.Set(src)
		}
		return nil
	}
}
