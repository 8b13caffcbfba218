package storage

import (
	"context"
	"sort"
	"sync"

	"remindd/internal/reminder"
)

// Memory is a map-backed Store used by tests and the "memory" driver.
// Records are copied in and out, so callers can't mutate stored state.
type Memory struct {
	mu        sync.Mutex
	reminders map[string]reminder.Reminder
	contacts  map[string]Contact
}

func NewMemory() *Memory {
	return &Memory{
		reminders: map[string]reminder.Reminder{},
		contacts:  map[string]Contact{},
	}
}

func (m *Memory) FindActive(ctx context.Context) ([]reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []reminder.Reminder
	for _, r := range m.reminders {
		if r.IsActive {
			out = append(out, cloneReminder(r))
		}
	}
	sortByAnchor(out)
	return out, nil
}

func (m *Memory) FindByOwner(ctx context.Context, ownerID string) ([]reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []reminder.Reminder
	for _, r := range m.reminders {
		if r.OwnerID == ownerID && r.IsActive {
			out = append(out, cloneReminder(r))
		}
	}
	sortByAnchor(out)
	return out, nil
}

func (m *Memory) Get(ctx context.Context, id string) (reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return reminder.Reminder{}, ErrNotFound
	}
	return cloneReminder(r), nil
}

func (m *Memory) Save(ctx context.Context, rem reminder.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reminders[rem.ID] = cloneReminder(rem)
	return nil
}

func (m *Memory) DeleteByID(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reminders[id]; !ok {
		return ErrNotFound
	}
	delete(m.reminders, id)
	return nil
}

func (m *Memory) Contact(ctx context.Context, ownerID string) (Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[ownerID]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) PutContact(ctx context.Context, ownerID string, c Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[ownerID] = c
	return nil
}

func (m *Memory) Close() error { return nil }

func cloneReminder(r reminder.Reminder) reminder.Reminder {
	cp := r
	cp.Channels = append([]reminder.Channel(nil), r.Channels...)
	return cp
}

func sortByAnchor(rs []reminder.Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].AnchorTime.Equal(rs[j].AnchorTime) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].AnchorTime.Before(rs[j].AnchorTime)
	})
}
