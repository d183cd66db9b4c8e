package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Balghanimi/toosila/internal/models"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs DSN-less local
// runs and the test suite. A single lock across all three record families
// makes TransitionResponse trivially atomic.
type MemoryStore struct {
	mu            sync.Mutex
	demands       map[string]*models.Demand
	responses     map[string]*models.Response
	notifications []*models.Notification

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		demands:   make(map[string]*models.Demand),
		responses: make(map[string]*models.Response),
		now:       time.Now,
	}
}

// SetClock replaces the time source; tests use it to step across
// de-duplication windows.
func (m *MemoryStore) SetClock(now func() time.Time) { m.now = now }

func (m *MemoryStore) CreateDemand(_ context.Context, d *models.Demand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.demands[d.ID]; ok {
		return models.Conflict("demand %s already exists", d.ID)
	}
	cp := *d
	m.demands[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDemand(_ context.Context, id string) (*models.Demand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.demands[id]
	if !ok {
		return nil, models.NotFound("demand %s not found", id)
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) DeactivateDemand(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.demands[id]
	if !ok {
		return models.NotFound("demand %s not found", id)
	}
	d.IsActive = false
	return nil
}

// CreateResponse validates the demand's active flag under the same lock
// as the insert, so an offer cannot land pending on a demand that a
// concurrent acceptance has just closed.
func (m *MemoryStore) CreateResponse(_ context.Context, r *models.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.demands[r.DemandID]
	if !ok {
		return models.NotFound("demand %s not found", r.DemandID)
	}
	if !d.IsActive {
		return models.Invalid("demand %s is not active", r.DemandID)
	}
	for _, ex := range m.responses {
		if ex.DemandID == r.DemandID && ex.DriverID == r.DriverID {
			return models.Conflict("driver %s already responded to demand %s", r.DriverID, r.DemandID)
		}
	}
	cp := *r
	m.responses[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetResponse(_ context.Context, id string) (*models.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responses[id]
	if !ok {
		return nil, models.NotFound("response %s not found", id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByDemand(_ context.Context, demandID string) ([]models.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Response
	for _, r := range m.responses {
		if r.DemandID == demandID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := statusRank(out[i].Status), statusRank(out[j].Status)
		if ri != rj {
			return ri < rj
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ListByDriver(_ context.Context, driverID string) ([]models.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Response
	for _, r := range m.responses {
		if r.DriverID == driverID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) TransitionResponse(_ context.Context, id string, to models.ResponseStatus) (*models.Response, []models.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.responses[id]
	if !ok {
		return nil, nil, models.NotFound("response %s not found", id)
	}
	if r.Status != models.StatusPending {
		return nil, nil, models.Conflict("response %s is already %s", id, r.Status)
	}
	if to == models.StatusAccepted {
		if d, ok := m.demands[r.DemandID]; ok && !d.IsActive {
			return nil, nil, models.Conflict("demand %s is no longer active", r.DemandID)
		}
	}

	now := m.now()
	r.Status = to
	r.UpdatedAt = now

	var demoted []models.Response
	if to == models.StatusAccepted {
		for _, sib := range m.responses {
			if sib.DemandID == r.DemandID && sib.ID != r.ID && sib.Status == models.StatusPending {
				sib.Status = models.StatusRejected
				sib.UpdatedAt = now
				demoted = append(demoted, *sib)
			}
		}
		if d, ok := m.demands[r.DemandID]; ok {
			d.IsActive = false
		}
	}

	cp := *r
	return &cp, demoted, nil
}

func (m *MemoryStore) DeleteResponse(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.responses[id]; !ok {
		return models.NotFound("response %s not found", id)
	}
	delete(m.responses, id)
	return nil
}

func (m *MemoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.notifications = append(m.notifications, &cp)
	return nil
}

func (m *MemoryStore) HasSimilarRecent(_ context.Context, userID string, typ models.NotificationType, payloadKey string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-window)
	for _, n := range m.notifications {
		if n.UserID != userID || n.Type != typ || n.CreatedAt.Before(cutoff) {
			continue
		}
		if key, _ := n.Data["key"].(string); key == payloadKey {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID string, limit, offset int) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []models.Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		if m.notifications[i].UserID == userID {
			all = append(all, *m.notifications[i])
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) UnreadCount(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.notifications {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) MarkRead(_ context.Context, id, userID string) (*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.notifications {
		if n.ID == id && n.UserID == userID {
			n.IsRead = true
			cp := *n
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) MarkAllRead(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.notifications {
		if n.UserID == userID && !n.IsRead {
			n.IsRead = true
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) DeleteNotification(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.notifications {
		if n.ID == id && n.UserID == userID {
			m.notifications = append(m.notifications[:i], m.notifications[i+1:]...)
			return nil
		}
	}
	return models.NotFound("notification %s not found", id)
}
