package events

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/domain/lab"
	"github.com/ehr/labbridge/internal/platform/apperr"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		JetStream: true,
		StoreDir:  t.TempDir(),
		Port:      -1,
		HTTPPort:  -1,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	ns := runServer(t)
	p, err := Connect(context.Background(), Config{URL: ns.ClientURL(), Prefix: "clinic.lab."}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func fetch(t *testing.T, p *Publisher, subject string, n int) []jetstream.Msg {
	t.Helper()
	ctx := context.Background()
	cons, err := p.js.CreateOrUpdateConsumer(ctx, DefaultStream, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	batch, err := cons.Fetch(n+1, jetstream.FetchMaxWait(500*time.Millisecond))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	var msgs []jetstream.Msg
	for m := range batch.Messages() {
		msgs = append(msgs, m)
		m.Ack()
	}
	return msgs
}

func TestConnect_RequiresURL(t *testing.T) {
	if _, err := Connect(context.Background(), Config{}, zerolog.Nop()); !apperr.Is(err, apperr.KindConfig) {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestPublisher_Subject(t *testing.T) {
	p := &Publisher{prefix: "clinic.lab"}
	tests := []struct {
		typ  lab.EventType
		want string
	}{
		{lab.EventResultReceived, "clinic.lab.result_received"},
		{lab.EventCriticalResult, "clinic.lab.critical_result"},
		{lab.EventType("custom"), "clinic.lab.custom"},
	}
	for _, tt := range tests {
		if got := p.Subject(tt.typ); got != tt.want {
			t.Errorf("Subject(%s) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestPublisher_Notify(t *testing.T) {
	p := newTestPublisher(t)
	ctx := context.Background()

	ev := lab.Event{
		Type:          lab.EventOrderCompleted,
		IntegrationID: "int-1",
		OrderID:       "ord-9",
		MessageID:     "msg-3",
		Attributes:    map[string]string{"order_number": "PL-1"},
	}
	if err := p.Notify(ctx, ev); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := p.Notify(ctx, lab.Event{Type: lab.EventPatientCreated, IntegrationID: "int-1", PatientID: "p-1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	msgs := fetch(t, p, "clinic.lab.order_completed", 1)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 order event, got %d", len(msgs))
	}
	m := msgs[0]
	if m.Headers().Get("Lab-Event-Type") != string(lab.EventOrderCompleted) || m.Headers().Get("Lab-Integration-Id") != "int-1" {
		t.Errorf("headers = %v", m.Headers())
	}
	var got lab.Event
	if err := json.Unmarshal(m.Data(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.OrderID != "ord-9" || got.Attributes["order_number"] != "PL-1" || got.OccurredAt.IsZero() {
		t.Errorf("event = %+v", got)
	}
}

func TestPublisher_DeduplicatesRedelivery(t *testing.T) {
	p := newTestPublisher(t)
	ctx := context.Background()

	ev := lab.Event{Type: lab.EventResultReceived, IntegrationID: "int-1", OrderID: "ord-1", MessageID: "msg-1"}
	for i := 0; i < 3; i++ {
		if err := p.Notify(ctx, ev); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}
	ev.OrderID = "ord-2"
	if err := p.Notify(ctx, ev); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if msgs := fetch(t, p, "clinic.lab.result_received", 4); len(msgs) != 2 {
		t.Errorf("expected 2 distinct events, got %d", len(msgs))
	}
}

func TestMessageID(t *testing.T) {
	a := lab.Event{Type: lab.EventResultReceived, MessageID: "m-1", OrderID: "o-1"}
	if messageID(a) != messageID(a) {
		t.Error("message id not stable")
	}
	b := a
	b.Type = lab.EventCriticalResult
	if messageID(a) == messageID(b) {
		t.Error("different event types share an id")
	}
	anon := lab.Event{Type: lab.EventPatientCreated}
	if messageID(anon) == messageID(anon) {
		t.Error("events without a message id must not collapse")
	}
}

func TestPublisher_Observer(t *testing.T) {
	p := newTestPublisher(t)
	type outcome struct {
		eventType string
		failed    bool
	}
	var got []outcome
	p.SetObserver(func(eventType string, err error) {
		got = append(got, outcome{eventType, err != nil})
	})

	ev := lab.Event{Type: lab.EventCriticalResult, IntegrationID: "int-1", MessageID: "m-1"}
	if err := p.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	p.nc.Close()
	if err := p.Notify(context.Background(), ev); err == nil {
		t.Fatal("expected publish error on a closed connection")
	}

	want := []outcome{
		{string(lab.EventCriticalResult), false},
		{string(lab.EventCriticalResult), true},
	}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("outcomes = %+v, want %+v", got, want)
	}
}
