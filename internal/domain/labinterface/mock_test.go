package labinterface

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/domain/integration"
	"github.com/ehr/labbridge/internal/domain/lab"
	"github.com/ehr/labbridge/internal/domain/messagelog"
	"github.com/ehr/labbridge/internal/platform/fhir"
	"github.com/ehr/labbridge/internal/platform/hl7v2"
)

// -- Mock Registry --

type mockRegistry struct {
	mu       sync.Mutex
	configs  map[uuid.UUID]*integration.Config
	secrets  map[integration.CredentialField]string
	mappings []*integration.TestMapping
	received int
	sent     int
	errors   []string
}

func newMockRegistry(configs ...*integration.Config) *mockRegistry {
	r := &mockRegistry{
		configs: make(map[uuid.UUID]*integration.Config),
		secrets: make(map[integration.CredentialField]string),
	}
	for _, c := range configs {
		r.configs[c.ID] = c
	}
	return r
}

func (m *mockRegistry) Get(_ context.Context, id uuid.UUID) (*integration.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[id]
	if !ok {
		return nil, integration.ErrNotFound
	}
	return c, nil
}

func (m *mockRegistry) ListActive(_ context.Context, t integration.Transport) ([]*integration.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*integration.Config
	for _, c := range m.configs {
		if c.Transport == t && c.Status == integration.StatusActive {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockRegistry) Reveal(_ *integration.Config, field integration.CredentialField) (string, error) {
	return m.secrets[field], nil
}

func (m *mockRegistry) ToInternal(_ context.Context, integrationID uuid.UUID, externalCode string) (*integration.TestMapping, error) {
	for _, tm := range m.mappings {
		if tm.IntegrationID == integrationID && tm.Active && tm.ExternalCode == externalCode {
			return tm, nil
		}
	}
	return nil, integration.ErrMappingNotFound
}

func (m *mockRegistry) ToExternal(_ context.Context, integrationID uuid.UUID, internalCode string) (*integration.TestMapping, error) {
	for _, tm := range m.mappings {
		if tm.IntegrationID == integrationID && tm.Active && tm.InternalCode == internalCode {
			return tm, nil
		}
	}
	return nil, integration.ErrMappingNotFound
}

func (m *mockRegistry) FHIRClient(c *integration.Config) (*fhir.Client, error) {
	return fhir.NewClient(fhir.ClientConfig{BaseURL: c.BaseURL})
}

func (m *mockRegistry) RecordReceived(context.Context, uuid.UUID) error {
	m.mu.Lock()
	m.received++
	m.mu.Unlock()
	return nil
}

func (m *mockRegistry) RecordSent(context.Context, uuid.UUID) error {
	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
	return nil
}

func (m *mockRegistry) RecordError(_ context.Context, _ uuid.UUID, message string) error {
	m.mu.Lock()
	m.errors = append(m.errors, message)
	m.mu.Unlock()
	return nil
}

func (m *mockRegistry) mapCode(integrationID uuid.UUID, internal, external string) {
	m.mappings = append(m.mappings, &integration.TestMapping{
		ID:            uuid.New(),
		IntegrationID: integrationID,
		InternalCode:  internal,
		ExternalCode:  external,
		CodingSystem:  "L",
		Active:        true,
	})
}

// -- Mock message log repository --

type memEntryRepo struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*messagelog.Entry
}

func newMemEntryRepo() *memEntryRepo {
	return &memEntryRepo{entries: make(map[uuid.UUID]*messagelog.Entry)}
}

func (m *memEntryRepo) Create(_ context.Context, e *messagelog.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *memEntryRepo) GetByID(_ context.Context, id uuid.UUID) (*messagelog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, messagelog.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memEntryRepo) Update(_ context.Context, e *messagelog.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.ID]; !ok {
		return messagelog.ErrNotFound
	}
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *memEntryRepo) Reopen(_ context.Context, e *messagelog.Entry, from messagelog.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.entries[e.ID]
	if !ok || stored.Status != from {
		return false, nil
	}
	cp := *e
	m.entries[e.ID] = &cp
	return true, nil
}

func (m *memEntryRepo) FindByControlID(_ context.Context, integrationID uuid.UUID, d messagelog.Direction, controlID string) (*messagelog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *messagelog.Entry
	for _, e := range m.entries {
		if e.IntegrationID == integrationID && e.Direction == d && e.ControlID == controlID {
			if found == nil || e.CreatedAt.After(found.CreatedAt) {
				found = e
			}
		}
	}
	if found == nil {
		return nil, messagelog.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *memEntryRepo) List(_ context.Context, f messagelog.Filter, limit, offset int) ([]*messagelog.Entry, int, error) {
	all := m.all()
	return all, len(all), nil
}

func (m *memEntryRepo) RecentErrors(context.Context, uuid.UUID, int) ([]*messagelog.Entry, error) {
	return nil, nil
}

func (m *memEntryRepo) DeleteExpired(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *memEntryRepo) DeleteByIntegration(context.Context, uuid.UUID) (int64, error) { return 0, nil }

func (m *memEntryRepo) all() []*messagelog.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*messagelog.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// -- Mock clinic collaborators --

type mockPatients struct {
	mu       sync.Mutex
	byID     map[string]lab.Patient
	created  []lab.Patient
	lookups  int
	sequence int
}

func newMockPatients(ps ...lab.Patient) *mockPatients {
	m := &mockPatients{byID: make(map[string]lab.Patient)}
	for _, p := range ps {
		m.byID[p.ID] = p
	}
	return m
}

func (m *mockPatients) FindByID(_ context.Context, id string) (*lab.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	p, ok := m.byID[id]
	if !ok {
		return nil, lab.ErrNotFound
	}
	return &p, nil
}

func (m *mockPatients) FindByNameAndBirthDate(_ context.Context, lastName, firstName string, birthDate time.Time) ([]lab.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []lab.Patient
	for _, p := range m.byID {
		if !strings.EqualFold(p.LastName, lastName) || !lab.SameBirthDate(p.BirthDate, birthDate) {
			continue
		}
		if firstName != "" && !strings.EqualFold(p.FirstName, firstName) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockPatients) Create(_ context.Context, p lab.Patient) (*lab.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequence++
	p.ID = fmt.Sprintf("new-%d", m.sequence)
	m.byID[p.ID] = p
	m.created = append(m.created, p)
	return &p, nil
}

type mockOrders struct {
	mu        sync.Mutex
	orders    map[string]*lab.LabOrder
	updates   int
	completed []string
	updateErr error // returned once by UpdateOrder
}

func newMockOrders(orders ...lab.LabOrder) *mockOrders {
	m := &mockOrders{orders: make(map[string]*lab.LabOrder)}
	for i := range orders {
		o := orders[i]
		m.orders[o.ID] = &o
	}
	return m
}

func copyOrder(o *lab.LabOrder) *lab.LabOrder {
	cp := *o
	cp.Tests = append([]lab.OrderedTest(nil), o.Tests...)
	cp.Results = append([]lab.Result(nil), o.Results...)
	return &cp
}

func (m *mockOrders) FindByOrderNumber(_ context.Context, number string) (*lab.LabOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.OrderNumber == number || (o.FillerNumber != "" && o.FillerNumber == number) {
			return copyOrder(o), nil
		}
	}
	return nil, lab.ErrNotFound
}

func (m *mockOrders) UpdateOrder(_ context.Context, o *lab.LabOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateErr; err != nil {
		m.updateErr = nil
		return err
	}
	if _, ok := m.orders[o.ID]; !ok {
		return lab.ErrNotFound
	}
	m.orders[o.ID] = copyOrder(o)
	m.updates++
	return nil
}

func (m *mockOrders) Complete(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return lab.ErrNotFound
	}
	o.Status = lab.OrderCompleted
	m.completed = append(m.completed, orderID)
	return nil
}

func (m *mockOrders) get(id string) *lab.LabOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyOrder(m.orders[id])
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []lab.Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, e lab.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return n.err
}

func (n *recordingNotifier) types() []lab.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]lab.EventType, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}

// mockSender answers every send with a fixed acknowledgment or error.
type mockSender struct {
	mu      sync.Mutex
	sent    []*hl7v2.Message
	ack     hl7v2.AckCode
	err     error
	timeout time.Duration
}

func (s *mockSender) SendAndAwaitAck(_ context.Context, _ hl7v2.Endpoint, msg *hl7v2.Message, _ hl7v2.RetryPolicy) (hl7v2.AckInfo, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	if s.err != nil {
		return hl7v2.AckInfo{}, nil, s.err
	}
	code := s.ack
	if code == "" {
		code = hl7v2.AckAccept
	}
	ack := hl7v2.GenerateACK(msg, code, "")
	info, _ := hl7v2.ParseAck(ack)
	if !code.Accepted() {
		return info, hl7v2.Encode(ack), &hl7v2.NegativeAckError{Ack: info}
	}
	return info, hl7v2.Encode(ack), nil
}

func (s *mockSender) factory() SenderFactory {
	return func(timeout time.Duration) MLLPSender {
		s.mu.Lock()
		s.timeout = timeout
		s.mu.Unlock()
		return s
	}
}

// -- Fixtures --

var (
	adaBirth = time.Date(1985, 12, 10, 0, 0, 0, 0, time.UTC)
	ada      = lab.Patient{ID: "p-1", MRN: "MRN-77", FirstName: "Ada", LastName: "Lovelace", BirthDate: adaBirth, Gender: lab.GenderFemale}
)

func panelOrder() lab.LabOrder {
	return lab.LabOrder{
		ID:          "ord-1",
		OrderNumber: "PL-1001",
		PatientID:   "p-1",
		Status:      lab.OrderPending,
		Tests: []lab.OrderedTest{
			{Code: lab.Code{System: "LN", Code: "2345-7", Display: "Glucose"}},
			{Code: lab.Code{System: "LN", Code: "2951-2", Display: "Sodium"}},
		},
	}
}

func webhookConfig() *integration.Config {
	c := &integration.Config{
		ID:               uuid.New(),
		Name:             "acme-lab",
		Transport:        integration.TransportHTTPHL7,
		Status:           integration.StatusActive,
		BaseURL:          "http://lab.invalid",
		AckTimeoutMS:     1000,
		MatchingStrategy: integration.MatchIDOnly,
	}
	c.ApplyDefaults()
	return c
}

type harness struct {
	registry *mockRegistry
	repo     *memEntryRepo
	log      *messagelog.Service
	patients *mockPatients
	orders   *mockOrders
	notifier *recordingNotifier
	pipeline *Pipeline
	cfg      *integration.Config
}

func newHarness(t *testing.T, cfg *integration.Config) *harness {
	t.Helper()
	h := &harness{
		registry: newMockRegistry(cfg),
		repo:     newMemEntryRepo(),
		patients: newMockPatients(ada),
		orders:   newMockOrders(panelOrder()),
		notifier: &recordingNotifier{},
		cfg:      cfg,
	}
	h.log = messagelog.NewService(h.repo, 0, zerolog.New(io.Discard))
	h.pipeline = NewPipeline(h.registry, h.log, h.patients, h.orders, h.notifier, zerolog.New(io.Discard))
	return h
}

func (h *harness) process(t *testing.T, format messagelog.Format, payload string) *Outcome {
	t.Helper()
	out, err := h.pipeline.Process(context.Background(), Inbound{
		IntegrationID: h.cfg.ID,
		Format:        format,
		Payload:       []byte(payload),
		Meta:          messagelog.TransportMeta{Channel: messagelog.ChannelHTTP},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return out
}

func parseAck(t *testing.T, raw []byte) hl7v2.AckInfo {
	t.Helper()
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		t.Fatalf("response is not HL7: %v\n%s", err, raw)
	}
	info, err := hl7v2.ParseAck(msg)
	if err != nil {
		t.Fatalf("response is not an ACK: %v", err)
	}
	return info
}
