package integration

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/labbridge/internal/domain/messagelog"
	"github.com/ehr/labbridge/internal/platform/hl7v2"
)

type mockRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*Config
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[uuid.UUID]*Config)}
}

func (m *mockRepo) Create(_ context.Context, c *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.store {
		if existing.Name == c.Name {
			return ErrDuplicateName
		}
	}
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	m.store[c.ID] = &cp
	return nil
}

func (m *mockRepo) get(id uuid.UUID) (*Config, error) {
	c, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(id)
}

func (m *mockRepo) GetByName(_ context.Context, name string) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.store {
		if c.Name == name {
			return m.get(id)
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Config, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Config
	for _, c := range m.store {
		if (f.Transport == "" || c.Transport == f.Transport) && (f.Status == "" || c.Status == f.Status) {
			cp := *c
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) ListActive(ctx context.Context, t Transport) ([]*Config, error) {
	items, _, err := m.List(ctx, ListFilter{Transport: t, Status: StatusActive}, 1000, 0)
	return items, err
}

func (m *mockRepo) Update(_ context.Context, c *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.store[c.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *c
	cp.Status = prev.Status
	cp.CredentialEnc, cp.OAuthClientSecretEnc = prev.CredentialEnc, prev.OAuthClientSecretEnc
	cp.WebhookAPIKeyEnc, cp.WebhookHMACSecretEnc = prev.WebhookAPIKeyEnc, prev.WebhookHMACSecretEnc
	cp.UpdatedAt = time.Now()
	m.store[c.ID] = &cp
	return nil
}

func (m *mockRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[id]; !ok {
		return ErrNotFound
	}
	delete(m.store, id)
	return nil
}

func (m *mockRepo) with(id uuid.UUID, fn func(c *Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.store[id]
	if !ok {
		return ErrNotFound
	}
	fn(c)
	return nil
}

func (m *mockRepo) SetStatus(_ context.Context, id uuid.UUID, s Status) error {
	return m.with(id, func(c *Config) { c.Status = s })
}

func (m *mockRepo) SetSecrets(_ context.Context, id uuid.UUID, sealed map[CredentialField]string) error {
	return m.with(id, func(c *Config) {
		for f, v := range sealed {
			c.setSealed(f, v)
		}
	})
}

func (m *mockRepo) IncrementReceived(_ context.Context, id uuid.UUID, at time.Time) error {
	return m.with(id, func(c *Config) { c.MessagesReceived++; c.LastSyncAt = &at })
}

func (m *mockRepo) IncrementSent(_ context.Context, id uuid.UUID, at time.Time) error {
	return m.with(id, func(c *Config) { c.MessagesSent++; c.LastSyncAt = &at })
}

func (m *mockRepo) RecordError(_ context.Context, id uuid.UUID, message string, at time.Time) error {
	return m.with(id, func(c *Config) { c.MessagesErrored++; c.LastErrorAt = &at; c.LastError = message })
}

func (m *mockRepo) MarkProbe(_ context.Context, id uuid.UUID, failure string, at time.Time) error {
	return m.with(id, func(c *Config) {
		if failure == "" {
			c.LastSyncAt = &at
			return
		}
		c.Status = StatusError
		c.LastErrorAt = &at
		c.LastError = failure
	})
}

type mockMappingRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*TestMapping
}

func newMockMappingRepo() *mockMappingRepo {
	return &mockMappingRepo{store: make(map[uuid.UUID]*TestMapping)}
}

func (m *mockMappingRepo) Create(_ context.Context, tm *TestMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.store {
		if existing.IntegrationID == tm.IntegrationID && existing.InternalCode == tm.InternalCode {
			return ErrDuplicateCode
		}
	}
	tm.ID = uuid.New()
	cp := *tm
	m.store[tm.ID] = &cp
	return nil
}

func (m *mockMappingRepo) GetByID(_ context.Context, id uuid.UUID) (*TestMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.store[id]
	if !ok {
		return nil, ErrMappingNotFound
	}
	cp := *tm
	return &cp, nil
}

func (m *mockMappingRepo) Update(_ context.Context, tm *TestMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[tm.ID]; !ok {
		return ErrMappingNotFound
	}
	cp := *tm
	m.store[tm.ID] = &cp
	return nil
}

func (m *mockMappingRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[id]; !ok {
		return ErrMappingNotFound
	}
	delete(m.store, id)
	return nil
}

func (m *mockMappingRepo) ListByIntegration(_ context.Context, integrationID uuid.UUID, limit, offset int) ([]*TestMapping, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*TestMapping
	for _, tm := range m.store {
		if tm.IntegrationID == integrationID {
			cp := *tm
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].InternalCode < all[j].InternalCode })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockMappingRepo) find(integrationID uuid.UUID, match func(*TestMapping) bool) (*TestMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tm := range m.store {
		if tm.IntegrationID == integrationID && tm.Active && match(tm) {
			cp := *tm
			return &cp, nil
		}
	}
	return nil, ErrMappingNotFound
}

func (m *mockMappingRepo) FindActiveByInternal(_ context.Context, integrationID uuid.UUID, code string) (*TestMapping, error) {
	return m.find(integrationID, func(tm *TestMapping) bool { return tm.InternalCode == code })
}

func (m *mockMappingRepo) FindActiveByExternal(_ context.Context, integrationID uuid.UUID, code string) (*TestMapping, error) {
	return m.find(integrationID, func(tm *TestMapping) bool { return strings.EqualFold(tm.ExternalCode, code) })
}

func (m *mockMappingRepo) DeleteByIntegration(_ context.Context, integrationID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, tm := range m.store {
		if tm.IntegrationID == integrationID {
			delete(m.store, id)
			n++
		}
	}
	return n, nil
}

type mockMessageLog struct {
	purged map[uuid.UUID]bool
	errors []*messagelog.Entry
}

func (m *mockMessageLog) DeleteByIntegration(_ context.Context, integrationID uuid.UUID) (int64, error) {
	if m.purged == nil {
		m.purged = make(map[uuid.UUID]bool)
	}
	m.purged[integrationID] = true
	return int64(len(m.errors)), nil
}

func (m *mockMessageLog) RecentErrors(_ context.Context, integrationID uuid.UUID, n int) ([]*messagelog.Entry, error) {
	var out []*messagelog.Entry
	for _, e := range m.errors {
		if e.IntegrationID == integrationID && len(out) < n {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeProber struct {
	err   error
	calls []hl7v2.Endpoint
}

func (p *fakeProber) Probe(_ context.Context, ep hl7v2.Endpoint) error {
	p.calls = append(p.calls, ep)
	return p.err
}
