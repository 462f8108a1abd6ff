package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCachedDirectory(t *testing.T) {
	ctx := context.Background()

	t.Run("caches positive lookups", func(t *testing.T) {
		store := &MockStore{}
		defer store.AssertExpectations(t)
		store.On("RoomExists", mock.Anything, "r1").Return(true, nil).Once()

		d, err := NewCachedDirectory(store, 8, time.Minute)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			exists, err := d.RoomExists(ctx, "r1")
			require.NoError(t, err)
			assert.True(t, exists)
		}
	})

	t.Run("does not cache misses", func(t *testing.T) {
		store := &MockStore{}
		defer store.AssertExpectations(t)
		store.On("RoomExists", mock.Anything, "r1").Return(false, nil).Twice()

		d, err := NewCachedDirectory(store, 8, time.Minute)
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			exists, err := d.RoomExists(ctx, "r1")
			require.NoError(t, err)
			assert.False(t, exists)
		}
	})

	t.Run("expires stale entries", func(t *testing.T) {
		store := &MockStore{}
		defer store.AssertExpectations(t)
		store.On("RoomExists", mock.Anything, "r1").Return(true, nil).Twice()

		d, err := NewCachedDirectory(store, 8, time.Minute)
		require.NoError(t, err)

		now := time.Now()
		d.now = func() time.Time { return now }
		_, err = d.RoomExists(ctx, "r1")
		require.NoError(t, err)

		d.now = func() time.Time { return now.Add(2 * time.Minute) }
		_, err = d.RoomExists(ctx, "r1")
		require.NoError(t, err)
	})

	t.Run("forget and errors", func(t *testing.T) {
		store := &MockStore{}
		defer store.AssertExpectations(t)
		store.On("RoomExists", mock.Anything, "r1").Return(true, nil).Once()
		store.On("RoomExists", mock.Anything, "r1").Return(false, errors.New("db down")).Once()

		d, err := NewCachedDirectory(store, 8, time.Minute)
		require.NoError(t, err)

		_, err = d.RoomExists(ctx, "r1")
		require.NoError(t, err)

		d.Forget("r1")
		_, err = d.RoomExists(ctx, "r1")
		assert.Error(t, err)
	})
}
