package services

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/openhall/callserver/pkg/internal/database"
	"github.com/openhall/callserver/pkg/internal/models"
)

// CallScheduler keeps an in-memory ongoing-call counter per call
// server. Counters are atomics, so concurrent call starts touching
// different servers never contend on a shared lock; the mutex only
// guards the map shape.
type CallScheduler struct {
	mu   sync.Mutex
	load map[uuid.UUID]*atomic.Int64
}

var Scheduler = NewCallScheduler()

func NewCallScheduler() *CallScheduler {
	return &CallScheduler{load: make(map[uuid.UUID]*atomic.Int64)}
}

func (s *CallScheduler) counter(id uuid.UUID) *atomic.Int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.load[id]; ok {
		return c
	}
	c := new(atomic.Int64)
	s.load[id] = c
	return c
}

// Pick chooses the healthy server with the fewest ongoing calls,
// breaking ties by the smaller server id so repeated runs stay
// deterministic. Servers whose heartbeat went stale are skipped.
func (s *CallScheduler) Pick(servers []models.CallServer, now time.Time) (models.CallServer, error) {
	timeout := viper.GetDuration("scheduler.heartbeat_timeout")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var best *models.CallServer
	var bestCount int64
	for idx, srv := range servers {
		if srv.Deleted() || now.Sub(srv.UpdatedAt) > timeout {
			continue
		}
		count := s.counter(srv.ID).Load()
		if best == nil || count < bestCount ||
			(count == bestCount && strings.Compare(srv.ID.String(), best.ID.String()) < 0) {
			best = &servers[idx]
			bestCount = count
		}
	}
	if best == nil {
		return models.CallServer{}, fmt.Errorf("no healthy call server available")
	}
	return *best, nil
}

// Acquire charges one ongoing call to a server.
func (s *CallScheduler) Acquire(id uuid.UUID) int64 {
	return s.counter(id).Add(1)
}

// Release refunds a finished call. The counter floors at zero so a
// double end never drives the load negative.
func (s *CallScheduler) Release(id uuid.UUID) int64 {
	c := s.counter(id)
	for {
		cur := c.Load()
		if cur <= 0 {
			return 0
		}
		if c.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

func (s *CallScheduler) Load(id uuid.UUID) int64 {
	return s.counter(id).Load()
}

// Rebuild replaces the whole table, used after a restart when the
// counters are reconstructed from the live call rows.
func (s *CallScheduler) Rebuild(counts map[uuid.UUID]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load = make(map[uuid.UUID]*atomic.Int64, len(counts))
	for id, count := range counts {
		c := new(atomic.Int64)
		c.Store(count)
		s.load[id] = c
	}
}

// AssignCallServer places a call on the least loaded healthy server and
// persists the placement. A call that already has a server keeps it;
// calls are never moved while they run.
func AssignCallServer(call models.Call) (models.Call, error) {
	if call.CallServerID != nil {
		return call, nil
	}

	var servers []models.CallServer
	if err := database.C.Find(&servers).Error; err != nil {
		return call, err
	}

	srv, err := Scheduler.Pick(servers, time.Now())
	if err != nil {
		return call, err
	}

	call.CallServerID = &srv.ID
	call.CallServer = &srv
	if err := database.C.Model(&models.Call{}).
		Where("id = ?", call.ID).
		Update("call_server_id", srv.ID).Error; err != nil {
		return call, err
	}

	Scheduler.Acquire(srv.ID)
	log.Info().
		Str("call", call.ID.String()).
		Str("server", srv.ID.String()).
		Msg("Placed a call on a call server...")
	return call, nil
}

// RebuildCallServerLoad recounts ongoing calls per server from the
// database, so a restarted scheduler starts from reality instead of
// zero.
func RebuildCallServerLoad() error {
	var rows []struct {
		CallServerID uuid.UUID
		Count        int64
	}
	if err := database.C.Model(&models.Call{}).
		Select("call_server_id, COUNT(*) AS count").
		Where("call_server_id IS NOT NULL").
		Where("started_at IS NOT NULL AND ended_at IS NULL").
		Group("call_server_id").
		Scan(&rows).Error; err != nil {
		return err
	}

	counts := make(map[uuid.UUID]int64, len(rows))
	for _, row := range rows {
		counts[row.CallServerID] = row.Count
	}
	Scheduler.Rebuild(counts)
	log.Info().Int("servers", len(counts)).Msg("Rebuilt the call server load table...")
	return nil
}
