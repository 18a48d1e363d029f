package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stanstork/fieldnotify/internal/models"
	"github.com/stanstork/fieldnotify/internal/relay"
	"github.com/stanstork/fieldnotify/internal/repository"
)

type memStore struct {
	mu       sync.Mutex
	nextID   int64
	rows     map[int64]models.Notification
	updates  []models.DeliveryUpdate
	counts   repository.RecentCounts
	countErr error
	keys     []repository.RecipientKey
	now      func() time.Time
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]models.Notification), now: time.Now}
}

func (s *memStore) insert(p repository.CreateNotificationParams) models.Notification {
	s.nextID++
	now := s.now()
	n := models.Notification{
		ID:             s.nextID,
		UserID:         p.UserID,
		EmployeeID:     p.EmployeeID,
		Type:           p.Type,
		Audience:       p.Audience,
		Message:        p.Message,
		ActionURL:      p.ActionURL,
		ActionLabel:    p.ActionLabel,
		Priority:       p.Priority,
		Category:       p.Category,
		BroadcastTo:    p.BroadcastTo,
		DeliveryStatus: models.DeliveryStatusPending,
		MaxRetries:     p.MaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.rows[n.ID] = n
	return n
}

func (s *memStore) Create(_ context.Context, p repository.CreateNotificationParams) (models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(p), nil
}

func (s *memStore) CreateBatch(_ context.Context, params []repository.CreateNotificationParams) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Notification, 0, len(params))
	for _, p := range params {
		out = append(out, s.insert(p))
	}
	return out, nil
}

func (s *memStore) GetByID(_ context.Context, id int64) (models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rows[id]
	if !ok {
		return models.Notification{}, repository.ErrNotFound
	}
	return n, nil
}

func (s *memStore) ListByRecipient(_ context.Context, userID string, opts repository.ListOptions) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Notification
	for id := int64(1); id <= s.nextID; id++ {
		n, ok := s.rows[id]
		if ok && n.UserID == userID && (!opts.UnreadOnly || !n.Read) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *memStore) UpdateDelivery(_ context.Context, id int64, u models.DeliveryUpdate) (models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rows[id]
	if !ok {
		return models.Notification{}, repository.ErrNotFound
	}
	s.updates = append(s.updates, u)
	n = applyUpdate(n, u)
	s.rows[id] = n
	return n, nil
}

func (s *memStore) mark(userID string, id int64, fn func(*models.Notification)) (models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rows[id]
	if !ok || n.UserID != userID {
		return models.Notification{}, repository.ErrNotFound
	}
	fn(&n)
	s.rows[id] = n
	return n, nil
}

func (s *memStore) MarkRead(_ context.Context, userID string, id int64) (models.Notification, error) {
	return s.mark(userID, id, func(n *models.Notification) { n.Read = true })
}

func (s *memStore) MarkAllRead(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed int64
	for id, n := range s.rows {
		if n.UserID == userID && !n.Read {
			n.Read = true
			s.rows[id] = n
			changed++
		}
	}
	return changed, nil
}

func (s *memStore) MarkClicked(_ context.Context, userID string, id int64) (models.Notification, error) {
	return s.mark(userID, id, func(n *models.Notification) {
		n.Read = true
		if n.EngagementScore < 0.5 {
			n.EngagementScore = 0.5
		}
	})
}

func (s *memStore) MarkActionCompleted(_ context.Context, userID string, id int64) (models.Notification, error) {
	return s.mark(userID, id, func(n *models.Notification) {
		n.Read = true
		n.EngagementScore = 1
	})
}

func (s *memStore) CountRecent(_ context.Context, key repository.RecipientKey, _ time.Time) (repository.RecentCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return s.counts, s.countErr
}

func (s *memStore) ListRetryable(_ context.Context, since time.Time, retryLimit, limit int) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Notification
	for id := int64(1); id <= s.nextID && len(out) < limit; id++ {
		n, ok := s.rows[id]
		if ok && n.DeliveryStatus == models.DeliveryStatusFailed && n.RetryCount < retryLimit && !n.CreatedAt.Before(since) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *memStore) IncrementRetryCount(_ context.Context, id int64) (models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rows[id]
	if !ok {
		return models.Notification{}, repository.ErrNotFound
	}
	n.RetryCount++
	s.rows[id] = n
	return n, nil
}

func (s *memStore) DeleteStale(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, n := range s.rows {
		if n.DeliveryStatus.IsTerminal() && n.CreatedAt.Before(cutoff) {
			delete(s.rows, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type fakeRecipients struct {
	users     map[string]models.UserRole
	employees map[int64]string
}

func (f fakeRecipients) Resolve(_ context.Context, userID string, employeeID *int64) (models.Recipient, error) {
	if userID != "" {
		role, ok := f.users[userID]
		if !ok {
			return models.Recipient{}, repository.ErrRecipientNotFound
		}
		r := models.Recipient{UserID: userID, Role: role}
		if employeeID != nil {
			if owner, ok := f.employees[*employeeID]; ok {
				id := *employeeID
				r.EmployeeID = &id
				r.EmployeeUserID = owner
			}
		}
		return r, nil
	}
	if employeeID == nil {
		return models.Recipient{}, repository.ErrRecipientNotFound
	}
	owner, ok := f.employees[*employeeID]
	if !ok {
		return models.Recipient{}, repository.ErrRecipientNotFound
	}
	id := *employeeID
	return models.Recipient{UserID: owner, EmployeeID: &id, Role: f.users[owner], EmployeeUserID: owner}, nil
}

func (f fakeRecipients) EmployeeUserID(_ context.Context, employeeID int64) (string, error) {
	owner, ok := f.employees[employeeID]
	if !ok {
		return "", repository.ErrRecipientNotFound
	}
	return owner, nil
}

func (f fakeRecipients) ActiveAdminIDs(context.Context) ([]string, error) {
	var ids []string
	for id, role := range f.users {
		if role == models.RoleAdmin {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type fakeSettings struct {
	settings models.Settings
	err      error
}

func (f fakeSettings) Get(context.Context) (models.Settings, error) {
	return f.settings, f.err
}

var errRelayDown = errors.New("relay unreachable")

// scriptedBroadcaster fails the first failures calls, then succeeds.
type scriptedBroadcaster struct {
	mu       sync.Mutex
	failures int
	calls    []relay.NotificationPayload
}

func (b *scriptedBroadcaster) Broadcast(_ context.Context, p relay.NotificationPayload) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, p)
	if len(b.calls) <= b.failures {
		return 0, errRelayDown
	}
	return 1, nil
}

func (b *scriptedBroadcaster) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}
