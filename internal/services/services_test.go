package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagetrace/internal/services"
	"pagetrace/internal/store"
	"pagetrace/internal/testsupport"
)

func newRegistry(t *testing.T) (*services.Registry, *store.SQLStore) {
	t.Helper()
	st := testsupport.SetupTestStore(t)
	return services.NewRegistry(st, testsupport.TestConfig(), testsupport.GetLogger()), st
}

func TestByTrackingIDCachesLookups(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	svc := &store.Service{Name: "blog", Origins: "*"}
	require.NoError(t, reg.Create(ctx, svc))

	got, err := reg.ByTrackingID(ctx, svc.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, svc.ID, got.ID)

	// Write behind the registry's back; the cached copy keeps serving.
	svc.Name = "docs"
	require.NoError(t, st.UpdateService(ctx, svc))

	got, err = reg.ByTrackingID(ctx, svc.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, "blog", got.Name)
}

func TestUpdateInvalidatesCache(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	svc := &store.Service{Name: "blog", Origins: "*"}
	require.NoError(t, reg.Create(ctx, svc))

	_, err := reg.ByTrackingID(ctx, svc.TrackingID)
	require.NoError(t, err)

	svc.Name = "docs"
	require.NoError(t, reg.Update(ctx, svc))

	got, err := reg.ByTrackingID(ctx, svc.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, "docs", got.Name)
}

func TestDeleteInvalidatesCache(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	svc := &store.Service{Name: "blog", Origins: "*"}
	require.NoError(t, reg.Create(ctx, svc))

	_, err := reg.ByTrackingID(ctx, svc.TrackingID)
	require.NoError(t, err)

	require.NoError(t, reg.Delete(ctx, svc.ID))

	_, err = reg.ByTrackingID(ctx, svc.TrackingID)
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestByTrackingIDUnknown(t *testing.T) {
	reg, _ := newRegistry(t)

	_, err := reg.ByTrackingID(context.Background(), "zzzzzzzz")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}
