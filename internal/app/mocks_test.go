package app_test

import (
	"context"
	"errors"
	"sync"

	"github.com/cterryc/pyme-sub001/internal/domain"
)

// --- Mocks ---

type mockRepo struct {
	mu      sync.Mutex
	records map[string]domain.ApplicationRecord

	commitErr error
}

func newMockRepo(records ...domain.ApplicationRecord) *mockRepo {
	m := &mockRepo{records: make(map[string]domain.ApplicationRecord)}
	for _, r := range records {
		m.records[r.ID] = r
	}
	return m
}

func (m *mockRepo) Create(_ context.Context, r domain.ApplicationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = r
	return nil
}

func (m *mockRepo) Load(_ context.Context, id string) (domain.ApplicationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return domain.ApplicationRecord{}, domain.ErrApplicationNotFound
	}
	return r, nil
}

func (m *mockRepo) Commit(_ context.Context, r domain.ApplicationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	stored, ok := m.records[r.ID]
	if !ok {
		return domain.ErrApplicationNotFound
	}
	if r.Version != stored.Version+1 {
		return domain.ErrStaleRecord
	}
	m.records[r.ID] = r
	return nil
}

func (m *mockRepo) List(_ context.Context, f domain.ListFilter) ([]domain.ApplicationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ApplicationRecord, 0, len(m.records))
	for _, r := range m.records {
		if f.OwnerID != "" && r.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *mockRepo) get(id string) domain.ApplicationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

type mockPublisher struct {
	mu     sync.Mutex
	events []domain.StatusChangeEvent
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, e domain.StatusChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *mockPublisher) published() []domain.StatusChangeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.StatusChangeEvent(nil), m.events...)
}

var errDiskFull = errors.New("disk full")
