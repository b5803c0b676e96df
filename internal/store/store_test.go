package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocturne/demo-engine/internal/model"
	"github.com/nocturne/demo-engine/internal/query"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func sampleEntries(n int) []model.Entry {
	out := make([]model.Entry, n)
	for i := range out {
		out[i] = model.NewEntry(t0.Add(time.Duration(i)*5*time.Minute), 100+i*10, 10)
	}
	return out
}

func sampleTreatments() []model.Treatment {
	bolus := model.NewTreatment(t0, model.EventMealBolus)
	bolus.Insulin = model.Units(4.25)
	bolus.Carbs = 45

	smb := model.NewTreatment(t0.Add(time.Hour), model.EventSMB)
	smb.Insulin = model.Units(0.3)

	temp := model.NewTreatment(t0.Add(2*time.Hour), model.EventTempBasal)
	temp.Rate = model.Units(1.2)
	temp.Absolute = temp.Rate
	temp.Duration = 30

	return []model.Treatment{bolus, smb, temp}
}

func TestMemoryStore_InsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	entries := sampleEntries(5)
	require.NoError(t, s.InsertEntries(ctx, entries))
	require.NoError(t, s.InsertEntries(ctx, entries))
	require.NoError(t, s.InsertTreatments(ctx, sampleTreatments()))
	require.NoError(t, s.InsertTreatments(ctx, sampleTreatments()))

	ne, nt, err := s.CountBySource(ctx, model.DemoSource)
	require.NoError(t, err)
	assert.Equal(t, int64(5), ne)
	assert.Equal(t, int64(3), nt)
}

func TestMemoryStore_DeleteBySourceKeepsOtherData(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	other := model.NewEntry(t0.Add(-time.Hour), 120, 0)
	other.Source = "xdrip"
	other.ID = "real-1"
	require.NoError(t, s.InsertEntries(ctx, append(sampleEntries(3), other)))
	require.NoError(t, s.InsertTreatments(ctx, sampleTreatments()))

	ne, nt, err := s.DeleteBySource(ctx, model.DemoSource)
	require.NoError(t, err)
	assert.Equal(t, int64(3), ne)
	assert.Equal(t, int64(3), nt)

	latest, err := s.LatestEntry(ctx)
	require.NoError(t, err)
	assert.Equal(t, "real-1", latest.ID)
}

func TestMemoryStore_QueryEntries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.InsertEntries(ctx, sampleEntries(10))) // sgv 100..190

	tests := []struct {
		filter string
		limit  int
		want   []int
	}{
		{``, 3, []int{190, 180, 170}},
		{`{"sgv":{"$gte":120,"$lte":140}}`, 0, []int{140, 130, 120}},
		{`{"mgdl":{"$in":[110,150]}}`, 10, []int{150, 110}},
		{`{"$or":[{"sgv":{"$lt":110}},{"sgv":{"$gt":180}}]}`, 10, []int{190, 100}},
		{`{"date":{"$lt":"2024-05-01T08:10:00Z"}}`, 10, []int{110, 100}},
		{`{"type":"mbg"}`, 10, nil},
	}
	for _, tt := range tests {
		got, err := s.QueryEntries(ctx, query.Parse(tt.filter), tt.limit)
		require.NoError(t, err)
		var sgvs []int
		for _, e := range got {
			sgvs = append(sgvs, e.SGV)
		}
		assert.Equal(t, tt.want, sgvs, "filter %s", tt.filter)
	}
}

func TestMemoryStore_QueryTreatments(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.InsertTreatments(ctx, sampleTreatments()))

	got, err := s.QueryTreatments(ctx, query.Parse(`{"eventType":{"$in":["SMB","Meal Bolus"]}}`), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.EventSMB, got[0].EventType)
	assert.Equal(t, model.EventMealBolus, got[1].EventType)

	got, err = s.QueryTreatments(ctx, query.Parse(`{"insulin":{"$gt":1}}`), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "4.25", got[0].Insulin.String())
}

func TestMemoryStore_LatestEntryEmpty(t *testing.T) {
	_, err := NewMemoryStore().LatestEntry(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(err))
}

// countingStore records how often reads reach the primary.
type countingStore struct {
	Store
	counts, latest int
}

func (c *countingStore) CountBySource(ctx context.Context, source string) (int64, int64, error) {
	c.counts++
	return c.Store.CountBySource(ctx, source)
}

func (c *countingStore) LatestEntry(ctx context.Context) (*model.Entry, error) {
	c.latest++
	return c.Store.LatestEntry(ctx)
}

func setupCachedStore(t *testing.T) (*miniredis.Miniredis, *countingStore, *CachedStore) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := &countingStore{Store: NewMemoryStore()}
	return mr, primary, NewCachedStore(primary, rdb, time.Minute)
}

func TestCachedStore_CountsAreCachedAndInvalidated(t *testing.T) {
	ctx := context.Background()
	mr, primary, s := setupCachedStore(t)

	require.NoError(t, s.InsertEntries(ctx, sampleEntries(4)))

	for i := 0; i < 3; i++ {
		ne, _, err := s.CountBySource(ctx, model.DemoSource)
		require.NoError(t, err)
		assert.Equal(t, int64(4), ne)
	}
	assert.Equal(t, 1, primary.counts, "repeat reads should hit redis")
	assert.True(t, mr.Exists(countKey(model.DemoSource)))

	require.NoError(t, s.InsertTreatments(ctx, sampleTreatments()))
	assert.False(t, mr.Exists(countKey(model.DemoSource)), "insert should invalidate counts")

	_, nt, err := s.CountBySource(ctx, model.DemoSource)
	require.NoError(t, err)
	assert.Equal(t, int64(3), nt)
	assert.Equal(t, 2, primary.counts)

	ne, nt, err := s.DeleteBySource(ctx, model.DemoSource)
	require.NoError(t, err)
	assert.Equal(t, int64(4), ne)
	assert.Equal(t, int64(3), nt)

	ne, _, err = s.CountBySource(ctx, model.DemoSource)
	require.NoError(t, err)
	assert.Zero(t, ne)
}

func TestCachedStore_LatestEntry(t *testing.T) {
	ctx := context.Background()
	mr, primary, s := setupCachedStore(t)

	_, err := s.LatestEntry(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, mr.Exists(latestKey()), "misses are not cached")

	entries := sampleEntries(3)
	require.NoError(t, s.InsertEntries(ctx, entries))

	e, err := s.LatestEntry(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries[2].ID, e.ID)

	e, err = s.LatestEntry(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries[2].SGV, e.SGV)
	assert.Equal(t, entries[2].Direction, e.Direction)
	assert.Equal(t, 2, primary.latest)

	newer := sampleEntries(4)[3]
	require.NoError(t, s.InsertEntries(ctx, []model.Entry{newer}))
	e, err = s.LatestEntry(ctx)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, e.ID)
}

func TestCachedStore_FallsBackWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	mr, _, s := setupCachedStore(t)
	require.NoError(t, s.InsertEntries(ctx, sampleEntries(2)))

	mr.Close()

	ne, _, err := s.CountBySource(ctx, model.DemoSource)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ne)
}
