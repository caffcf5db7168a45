package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/shiprace/internal/domain"
)

// AuditStore implements domain.AuditStore in memory.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	now     func() time.Time
}

// NewAuditStore returns an empty audit log.
func NewAuditStore() *AuditStore {
	return &AuditStore{now: time.Now}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]any, len(detail))
	for k, v := range detail {
		cp[k] = v
	}
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    cp,
		CreatedAt: s.now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		list = append(list, e)
	}
	return paginate(list, opts), nil
}

// Events returns the logged event names in order.
func (s *AuditStore) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Event
	}
	return out
}

var _ domain.AuditStore = (*AuditStore)(nil)
