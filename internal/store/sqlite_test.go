package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/farm-intake/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_FarmerRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertFarmer(ctx, &domain.Farmer{FirstName: "Ana", LastName: "Novak", Location: "Ljubljana"})
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := s.GetFarmer(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Ana Novak", got.FullName())
	assert.Equal(t, "Ljubljana", got.Location)

	_, err = s.UpsertFarmer(ctx, &domain.Farmer{ID: id, FirstName: "Ana", LastName: "Kovač", Location: "Kranj"})
	require.NoError(t, err)
	got, err = s.GetFarmer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Kovač", got.LastName)
	assert.Equal(t, "Kranj", got.Location)
}

func TestSQLiteStore_GetFarmerMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetFarmer(context.Background(), 404)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_FieldChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	farmerID, err := s.UpsertFarmer(ctx, &domain.Farmer{FirstName: "Luka"})
	require.NoError(t, err)

	north := &domain.Field{FarmerID: farmerID, Name: "North", AreaHa: decimal.RequireFromString("2.75")}
	south := &domain.Field{FarmerID: farmerID, Name: "South", AreaHa: decimal.RequireFromString("0.125")}
	_, err = s.AddField(ctx, north)
	require.NoError(t, err)
	_, err = s.AddField(ctx, south)
	require.NoError(t, err)

	planted := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	_, err = s.AddCropAssignment(ctx, &domain.CropAssignment{FieldID: north.ID, CropName: "maize", AreaPlanted: decimal.RequireFromString("2.5"), PlantedAt: &planted})
	require.NoError(t, err)
	_, err = s.AddTask(ctx, &domain.Task{FieldID: south.ID, Title: "Irrigate"})
	require.NoError(t, err)
	_, err = s.AddMaterialUsage(ctx, &domain.MaterialUsage{FieldID: north.ID, Material: "NPK 15-15-15", Quantity: decimal.RequireFromString("120.50"), Unit: "kg", UsedAt: planted})
	require.NoError(t, err)

	fields, err := s.ListFields(ctx, farmerID)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.True(t, fields[0].AreaHa.Equal(decimal.RequireFromString("2.75")))
	assert.True(t, fields[1].AreaHa.Equal(decimal.RequireFromString("0.125")))

	crops, err := s.ListCropAssignments(ctx, farmerID)
	require.NoError(t, err)
	require.Len(t, crops, 1)
	assert.Equal(t, north.ID, crops[0].FieldID)
	require.NotNil(t, crops[0].PlantedAt)
	assert.True(t, crops[0].PlantedAt.Equal(planted))
	assert.Nil(t, crops[0].ExpectedAt)

	tasks, err := s.ListTasks(ctx, farmerID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "scheduled", tasks[0].Status)

	usage, err := s.ListMaterialUsage(ctx, farmerID)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.True(t, usage[0].Quantity.Equal(decimal.RequireFromString("120.5")))
}

func TestSQLiteStore_SaveRegistrationUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	reg := &domain.Registration{
		SessionID: "sess-1",
		Profile:   domain.Profile{domain.FieldFirstName: "Ana"},
	}
	require.NoError(t, s.SaveRegistration(ctx, reg))

	reg.Profile[domain.FieldLocation] = "Ljubljana"
	reg.FarmerID = "7"
	require.NoError(t, s.SaveRegistration(ctx, reg))

	got, err := s.GetRegistration(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "7", got.FarmerID)
	assert.Equal(t, "Ljubljana", got.Profile[domain.FieldLocation])
}
