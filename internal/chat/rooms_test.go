package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/duet/internal/metrics"
	"github.com/eldtechnologies/duet/internal/models"
	"github.com/eldtechnologies/duet/internal/store"
)

func storeFactories(t *testing.T) map[string]func() store.DataStore {
	return map[string]func() store.DataStore{
		"memory": func() store.DataStore { return store.NewMemoryStore() },
		"sqlite": func() store.DataStore {
			s, err := store.NewSQLiteStore(context.Background(), ":memory:")
			require.NoError(t, err)
			t.Cleanup(s.Close)
			return s
		},
	}
}

func TestFindOrCreateRoom(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			d := NewDirectory(factory())

			_, err := d.FindOrCreateRoom(ctx, "alice", "alice")
			assert.ErrorIs(t, err, ErrValidation)
			_, err = d.FindOrCreateRoom(ctx, "alice", " ")
			assert.ErrorIs(t, err, ErrValidation)

			ab, err := d.FindOrCreateRoom(ctx, "bob", "alice")
			require.NoError(t, err)
			ba, err := d.FindOrCreateRoom(ctx, "alice", "bob")
			require.NoError(t, err)
			assert.Equal(t, "alice_bob", ab.ID)
			assert.Equal(t, ab.ID, ba.ID)
			assert.Equal(t, [2]string{"alice", "bob"}, ba.Members)
		})
	}
}

func TestFindOrCreateRoomRejectsAmbiguousIDs(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ds := factory()
			d := NewDirectory(ds)

			// Both pairs would map to "a_b_c".
			_, err := d.FindOrCreateRoom(ctx, "a_b", "c")
			assert.ErrorIs(t, err, ErrValidation)
			_, err = d.FindOrCreateRoom(ctx, "a", "b_c")
			assert.ErrorIs(t, err, ErrValidation)

			room, err := ds.GetRoom(ctx, "a_b_c")
			require.NoError(t, err)
			assert.Nil(t, room)
		})
	}
}

func TestFindOrCreateRoomChecksStoredMembers(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ds := factory()
			_, _, err := ds.CreateRoomIfAbsent(ctx, &models.Room{
				ID:      "alice_bob",
				Members: [2]string{"alice_b", "ob"},
			})
			require.NoError(t, err)

			room, err := NewDirectory(ds).FindOrCreateRoom(ctx, "alice", "bob")
			assert.ErrorIs(t, err, ErrForbidden)
			assert.Nil(t, room)
		})
	}
}

func TestFindOrCreateRoomConcurrent(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ds := factory()
			d := NewDirectory(ds)
			created := testutil.ToFloat64(metrics.RoomsCreated)

			var wg sync.WaitGroup
			ids := make([]string, 20)
			errs := make([]error, 20)
			for i := range ids {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					a, b := "carol", "dave"
					if i%2 == 1 {
						a, b = b, a
					}
					room, err := d.FindOrCreateRoom(ctx, a, b)
					errs[i] = err
					if room != nil {
						ids[i] = room.ID
					}
				}(i)
			}
			wg.Wait()

			for i := range ids {
				require.NoError(t, errs[i])
				assert.Equal(t, "carol_dave", ids[i])
			}
			rooms, err := ds.ListRoomsForUser(ctx, "carol")
			require.NoError(t, err)
			assert.Len(t, rooms, 1)
			assert.Equal(t, created+1, testutil.ToFloat64(metrics.RoomsCreated))
		})
	}
}

func TestAuthorizeMembership(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory(store.NewMemoryStore())
	room, err := d.FindOrCreateRoom(ctx, "alice", "bob")
	require.NoError(t, err)

	ok, err := d.AuthorizeMembership(ctx, room.ID, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.AuthorizeMembership(ctx, room.ID, "mallory")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.AuthorizeMembership(ctx, "no_such", "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.Authorize(ctx, room.ID, "mallory")
	assert.ErrorIs(t, err, ErrForbidden)
}
