package services

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/openhall/callserver/pkg/internal/models"
)

func testServer(beatAgo time.Duration) models.CallServer {
	srv := models.CallServer{URL: "wss://" + uuid.NewString() + ".example.com"}
	srv.ID = uuid.New()
	srv.UpdatedAt = time.Now().Add(-beatAgo)
	return srv
}

func TestSchedulerPicksLeastLoadedServer(t *testing.T) {
	s := NewCallScheduler()
	servers := []models.CallServer{testServer(0), testServer(0), testServer(0)}
	for i, count := range []int64{3, 1, 2} {
		for j := int64(0); j < count; j++ {
			s.Acquire(servers[i].ID)
		}
	}

	picked, err := s.Pick(servers, time.Now())
	require.NoError(t, err)
	require.Equal(t, servers[1].ID, picked.ID)

	s.Acquire(picked.ID)
	require.Equal(t, int64(2), s.Load(picked.ID))
}

func TestSchedulerBreaksTiesByServerID(t *testing.T) {
	s := NewCallScheduler()
	servers := []models.CallServer{testServer(0), testServer(0), testServer(0)}

	for i := 0; i < 3; i++ {
		picked, err := s.Pick(servers, time.Now())
		require.NoError(t, err)

		lowest := servers[0]
		for _, srv := range servers[1:] {
			if srv.ID.String() < lowest.ID.String() {
				lowest = srv
			}
		}
		require.Equal(t, lowest.ID, picked.ID, "an all-zero table picks the smallest id")
	}
}

func TestSchedulerSkipsStaleAndDeletedServers(t *testing.T) {
	s := NewCallScheduler()
	fresh := testServer(0)
	stale := testServer(10 * time.Minute)
	deleted := testServer(0)
	deleted.DeletedAt = gorm.DeletedAt{Time: time.Now(), Valid: true}

	// The unhealthy ones are idle; they still must not be picked.
	s.Acquire(fresh.ID)
	s.Acquire(fresh.ID)

	picked, err := s.Pick([]models.CallServer{stale, deleted, fresh}, time.Now())
	require.NoError(t, err)
	require.Equal(t, fresh.ID, picked.ID)

	_, err = s.Pick([]models.CallServer{stale, deleted}, time.Now())
	require.Error(t, err)
}

func TestSchedulerReleaseFloorsAtZero(t *testing.T) {
	s := NewCallScheduler()
	id := uuid.New()

	s.Acquire(id)
	require.Equal(t, int64(0), s.Release(id))
	require.Equal(t, int64(0), s.Release(id))
	require.Equal(t, int64(0), s.Load(id))
}

func TestSchedulerRebuildReplacesTheTable(t *testing.T) {
	s := NewCallScheduler()
	a, b := uuid.New(), uuid.New()
	s.Acquire(a)
	s.Acquire(a)

	s.Rebuild(map[uuid.UUID]int64{b: 5})
	require.Equal(t, int64(0), s.Load(a))
	require.Equal(t, int64(5), s.Load(b))
}
