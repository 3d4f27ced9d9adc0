package contextcache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/farm-intake/internal/domain"
)

type fakeSource struct {
	builds    atomic.Int32
	delay     time.Duration
	entered   chan struct{} // closed when the first build starts
	gate      chan struct{} // first build blocks until closed
	farmers   map[int64]*domain.Farmer
	fields    map[int64][]domain.Field
	crops     map[int64][]domain.CropAssignment
	tasks     map[int64][]domain.Task
	materials map[int64][]domain.MaterialUsage
}

func (f *fakeSource) GetFarmer(_ context.Context, id int64) (*domain.Farmer, error) {
	if n := f.builds.Add(1); n == 1 && f.gate != nil {
		close(f.entered)
		<-f.gate
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.farmers[id], nil
}

func (f *fakeSource) ListFields(_ context.Context, id int64) ([]domain.Field, error) {
	return f.fields[id], nil
}

func (f *fakeSource) ListCropAssignments(_ context.Context, id int64) ([]domain.CropAssignment, error) {
	return f.crops[id], nil
}

func (f *fakeSource) ListTasks(_ context.Context, id int64) ([]domain.Task, error) {
	return f.tasks[id], nil
}

func (f *fakeSource) ListMaterialUsage(_ context.Context, id int64) ([]domain.MaterialUsage, error) {
	return f.materials[id], nil
}

func farmerSeven() *fakeSource {
	planted := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)
	done := time.Date(2025, 4, 1, 7, 0, 0, 0, time.UTC)
	return &fakeSource{
		farmers: map[int64]*domain.Farmer{
			7: {ID: 7, FirstName: "Ana", LastName: "Novak", Location: "Ljubljana", CreatedAt: planted},
		},
		fields: map[int64][]domain.Field{
			7: {
				{ID: 1, FarmerID: 7, Name: "North", AreaHa: decimal.RequireFromString("3.50"), SoilType: "loam", Latitude: decimal.RequireFromString("46.056946"), Longitude: decimal.RequireFromString("14.505751")},
				{ID: 2, FarmerID: 7, Name: "South", AreaHa: decimal.RequireFromString("1.25")},
			},
		},
		crops: map[int64][]domain.CropAssignment{
			7: {{ID: 10, FieldID: 1, CropName: "maize", AreaPlanted: decimal.RequireFromString("3.5"), PlantedAt: &planted}},
		},
		tasks: map[int64][]domain.Task{
			7: {
				{ID: 20, FieldID: 1, Title: "Irrigate", Status: "scheduled", ScheduledAt: &planted},
				{ID: 21, FieldID: 2, Title: "Plough", Status: "done", PerformedAt: &done},
			},
		},
		materials: map[int64][]domain.MaterialUsage{
			7: {{ID: 30, FieldID: 1, Material: "NPK 15-15-15", Quantity: decimal.RequireFromString("120.125"), Unit: "kg", UsedAt: done}},
		},
	}
}

func setupCache(t *testing.T, src Source) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, src, DefaultTTL, nil, nil), mr
}

func TestGetColdCacheThenHit(t *testing.T) {
	src := farmerSeven()
	cache, mr := setupCache(t, src)
	ctx := context.Background()

	first, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, first.TotalFields)
	assert.Equal(t, SourceDatabase, first.Source)
	assert.True(t, mr.Exists("profile_cache:7"))

	second, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	assert.True(t, first.GeneratedAt.Equal(second.GeneratedAt))
	assert.Equal(t, int32(1), src.builds.Load())
}

func TestGetGroupsChildrenByField(t *testing.T) {
	cache, _ := setupCache(t, farmerSeven())

	pkg, err := cache.Get(context.Background(), 7)
	require.NoError(t, err)

	require.Len(t, pkg.Crops[1], 1)
	assert.Empty(t, pkg.Crops[2])
	require.Len(t, pkg.Tasks[2], 1)
	assert.Equal(t, "Plough", pkg.Tasks[2][0].Title)
	require.Len(t, pkg.Materials[1], 1)
	assert.Equal(t, DefaultTTL, pkg.ExpiresAt.Sub(pkg.GeneratedAt))
}

func TestPackageJSONRoundTripPreservesPrecision(t *testing.T) {
	cache, mr := setupCache(t, farmerSeven())
	ctx := context.Background()

	built, err := cache.Get(ctx, 7)
	require.NoError(t, err)

	raw, err := mr.Get("profile_cache:7")
	require.NoError(t, err)
	assert.Contains(t, raw, `"quantity":"120.125"`)

	cached, err := cache.Get(ctx, 7)
	require.NoError(t, err)

	assert.True(t, built.Materials[1][0].Quantity.Equal(cached.Materials[1][0].Quantity))
	assert.Equal(t, "120.125", cached.Materials[1][0].Quantity.String())
	assert.True(t, built.Fields[0].Latitude.Equal(cached.Fields[0].Latitude))
	assert.True(t, built.Crops[1][0].PlantedAt.Equal(*cached.Crops[1][0].PlantedAt))
	assert.Equal(t, 589793000, cached.Crops[1][0].PlantedAt.Nanosecond())
	assert.True(t, cached.Fields[0].AreaHa.GreaterThan(cached.Fields[1].AreaHa))
}

func TestGetDoesNotExtendTTL(t *testing.T) {
	cache, mr := setupCache(t, farmerSeven())
	ctx := context.Background()

	_, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	mr.FastForward(time.Hour)

	_, err = cache.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Hour, mr.TTL("profile_cache:7"))

	mr.FastForward(3*time.Hour + time.Second)
	assert.False(t, mr.Exists("profile_cache:7"))
}

func TestGetCoalescesConcurrentMisses(t *testing.T) {
	src := farmerSeven()
	src.delay = 50 * time.Millisecond
	cache, _ := setupCache(t, src)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(context.Background(), 7)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), src.builds.Load())
}

func TestGetMissDoesNotOverwriteConcurrentUpdate(t *testing.T) {
	src := farmerSeven()
	src.entered = make(chan struct{})
	src.gate = make(chan struct{})
	cache, _ := setupCache(t, src)
	ctx := context.Background()

	missDone := make(chan *Package, 1)
	go func() {
		pkg, err := cache.Get(ctx, 7)
		assert.NoError(t, err)
		missDone <- pkg
	}()
	<-src.entered

	updated, err := cache.Update(ctx, 7, &Package{FarmerInfo: domain.Farmer{Location: "Maribor"}})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	close(src.gate)
	fromMiss := <-missDone
	assert.Equal(t, "Maribor", fromMiss.FarmerInfo.Location)

	cached, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Maribor", cached.FarmerInfo.Location)
	assert.Equal(t, SourceUpdate, cached.Source)
	assert.Equal(t, 2, cached.Version)
}

func TestGetCorruptEntryRebuilds(t *testing.T) {
	src := farmerSeven()
	cache, mr := setupCache(t, src)
	require.NoError(t, mr.Set("profile_cache:7", "{not json"))

	pkg, err := cache.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 2, pkg.TotalFields)
	assert.Equal(t, int32(1), src.builds.Load())

	// The corrupt entry was replaced, so the next read is a hit.
	_, err = cache.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.builds.Load())
}

func TestGetUnknownFarmer(t *testing.T) {
	cache, _ := setupCache(t, farmerSeven())
	_, err := cache.Get(context.Background(), 99)
	assert.ErrorIs(t, err, ErrFarmerNotFound)
}

func TestUpdateMergesAndResetsTTL(t *testing.T) {
	cache, mr := setupCache(t, farmerSeven())
	ctx := context.Background()

	before, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	mr.FastForward(2 * time.Hour)

	used := time.Date(2025, 5, 2, 8, 0, 0, 0, time.UTC)
	updated, err := cache.Update(ctx, 7, &Package{
		FarmerInfo: domain.Farmer{Location: "Kranj"},
		Materials: map[int64][]domain.MaterialUsage{
			2: {{ID: 31, FieldID: 2, Material: "lime", Quantity: decimal.RequireFromString("2.5"), Unit: "t", UsedAt: used}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Kranj", updated.FarmerInfo.Location)
	assert.Equal(t, "Ana", updated.FarmerInfo.FirstName)
	assert.True(t, before.FarmerInfo.CreatedAt.Equal(updated.FarmerInfo.CreatedAt))
	require.Len(t, updated.Materials[1], 1, "untouched field keeps its materials")
	require.Len(t, updated.Materials[2], 1)
	assert.Equal(t, before.Version+1, updated.Version)
	assert.Equal(t, 2, updated.TotalFields)
	assert.Equal(t, DefaultTTL, mr.TTL("profile_cache:7"))

	cached, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Kranj", cached.FarmerInfo.Location)
	assert.Equal(t, updated.Version, cached.Version)
}

func TestUpdateCreatesWhenAbsent(t *testing.T) {
	cache, mr := setupCache(t, farmerSeven())

	pkg, err := cache.Update(context.Background(), 7, &Package{FarmerInfo: domain.Farmer{Language: "sl"}})
	require.NoError(t, err)
	assert.Equal(t, "sl", pkg.FarmerInfo.Language)
	assert.Equal(t, 2, pkg.Version)
	assert.True(t, mr.Exists("profile_cache:7"))
}

func TestConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	cache, _ := setupCache(t, farmerSeven())
	ctx := context.Background()
	_, err := cache.Get(ctx, 7)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := int64(100); i < 104; i++ {
		wg.Add(1)
		go func(fieldID int64) {
			defer wg.Done()
			_, err := cache.Update(ctx, 7, &Package{
				Tasks: map[int64][]domain.Task{fieldID: {{ID: fieldID, FieldID: fieldID, Title: "check"}}},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	pkg, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	for i := int64(100); i < 104; i++ {
		assert.Len(t, pkg.Tasks[i], 1, "task for field %d lost", i)
	}
	assert.Equal(t, 5, pkg.Version)
}

func TestInvalidateForcesRebuild(t *testing.T) {
	src := farmerSeven()
	cache, mr := setupCache(t, src)
	ctx := context.Background()

	_, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	cache.Invalidate(ctx, 7)
	assert.False(t, mr.Exists("profile_cache:7"))

	_, err = cache.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.builds.Load())
}

func TestStats(t *testing.T) {
	cache, mr := setupCache(t, farmerSeven())
	ctx := context.Background()

	st, err := cache.Stats(ctx, 7)
	require.NoError(t, err)
	assert.False(t, st.Exists)

	_, err = cache.Get(ctx, 7)
	require.NoError(t, err)
	mr.FastForward(30 * time.Minute)

	st, err = cache.Stats(ctx, 7)
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.Equal(t, DefaultTTL-30*time.Minute, st.TTLRemaining)
}

func TestDegradedModeWhenRedisDown(t *testing.T) {
	src := farmerSeven()
	cache, mr := setupCache(t, src)
	mr.Close()
	ctx := context.Background()

	pkg, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, SourceDatabase, pkg.Source)
	assert.Equal(t, 2, pkg.TotalFields)

	updated, err := cache.Update(ctx, 7, &Package{FarmerInfo: domain.Farmer{Location: "Celje"}})
	require.NoError(t, err)
	assert.Equal(t, "Celje", updated.FarmerInfo.Location)

	assert.NotPanics(t, func() { cache.Invalidate(ctx, 7) })

	_, err = cache.Stats(ctx, 7)
	assert.True(t, errors.Is(err, ErrCacheUnavailable))
}

func TestSummary(t *testing.T) {
	cache, _ := setupCache(t, farmerSeven())
	pkg, err := cache.Get(context.Background(), 7)
	require.NoError(t, err)

	summary := pkg.Summary()
	assert.Contains(t, summary, "Ana Novak (Ljubljana)")
	assert.Contains(t, summary, "North: 3.5 ha, loam soil; crops: maize; 1 open tasks")
	assert.Contains(t, summary, "last material: 120.125 kg NPK 15-15-15")
}

func TestPackageJSONLayout(t *testing.T) {
	pkg := &Package{FarmerID: 7, Tasks: map[int64][]domain.Task{1: {}}}
	data, err := json.Marshal(pkg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tasks":{"1":[]}`)
}
