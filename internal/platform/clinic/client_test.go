package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/domain/lab"
	"github.com/ehr/labbridge/internal/platform/apperr"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/api/v1/", Token: "clinic-token", RetryMax: 1}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "not a url", "/relative"} {
		if _, err := NewClient(Config{BaseURL: u}, zerolog.Nop()); !apperr.Is(err, apperr.KindConfig) {
			t.Errorf("NewClient(%q): expected config error, got %v", u, err)
		}
	}
}

func TestClient_FindByID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer clinic-token" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "no token"})
			return
		}
		switch r.URL.Path {
		case "/api/v1/patients/p-1":
			writeJSON(w, http.StatusOK, lab.Patient{ID: "p-1", MRN: "MRN-77", LastName: "Lovelace"})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "patient not found"})
		}
	}))

	p, err := c.FindByID(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if p.MRN != "MRN-77" || p.LastName != "Lovelace" {
		t.Errorf("patient = %+v", p)
	}

	if _, err := c.FindByID(context.Background(), "p-404"); !errors.Is(err, lab.ErrNotFound) {
		t.Errorf("expected lab.ErrNotFound, got %v", err)
	}
}

func TestClient_AuthFailure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"message": "token revoked"})
	}))
	_, err := c.FindByID(context.Background(), "p-1")
	if !apperr.Is(err, apperr.KindAuth) || apperr.CodeOf(err) != "CLINIC_HTTP_403" {
		t.Errorf("expected auth error, got %v", err)
	}
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Message != "token revoked" {
		t.Errorf("status error = %+v", serr)
	}
}

func TestClient_FindByNameAndBirthDate(t *testing.T) {
	var queries []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		queries = append(queries, r.URL.RawQuery)
		if q.Get("last_name") != "Lovelace" || q.Get("birth_date") != "1985-12-10" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad query"})
			return
		}
		offset, _ := strconv.Atoi(q.Get("offset"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data":     []lab.Patient{{ID: "p-" + strconv.Itoa(offset)}},
			"has_more": offset == 0,
		})
	}))

	dob := time.Date(1985, 12, 10, 0, 0, 0, 0, time.UTC)
	got, err := c.FindByNameAndBirthDate(context.Background(), "Lovelace", "Ada", dob)
	if err != nil {
		t.Fatalf("FindByNameAndBirthDate: %v", err)
	}
	if len(got) != 2 || got[0].ID != "p-0" || got[1].ID != "p-100" {
		t.Errorf("patients = %+v", got)
	}
	if len(queries) != 2 {
		t.Errorf("expected two pages, got %v", queries)
	}
}

func TestClient_CreateRetriesWithSameKey(t *testing.T) {
	var mu sync.Mutex
	var keys []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		attempt := len(keys)
		mu.Unlock()
		if attempt == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var p lab.Patient
		json.NewDecoder(r.Body).Decode(&p)
		p.ID = "new-1"
		writeJSON(w, http.StatusCreated, p)
	}))

	created, err := c.Create(context.Background(), lab.Patient{FirstName: "Grace", LastName: "Hopper"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID != "new-1" || created.LastName != "Hopper" {
		t.Errorf("created = %+v", created)
	}
	if len(keys) != 2 || keys[0] == "" || keys[0] != keys[1] {
		t.Errorf("idempotency keys = %v", keys)
	}
}

func TestClient_FindByOrderNumber(t *testing.T) {
	orders := []lab.LabOrder{
		{ID: "ord-2", OrderNumber: "PL-2", FillerNumber: "PL-1"},
		{ID: "ord-1", OrderNumber: "PL-1", FillerNumber: "FL-9"},
	}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := r.URL.Query().Get("order_number")
		var data []lab.LabOrder
		for _, o := range orders {
			if o.OrderNumber == n || o.FillerNumber == n {
				data = append(data, o)
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
	}))

	tests := []struct {
		number string
		want   string
	}{
		{"PL-1", "ord-1"},
		{"FL-9", "ord-1"},
		{"PL-2", "ord-2"},
		{"XX-0", ""},
	}
	for _, tt := range tests {
		t.Run(tt.number, func(t *testing.T) {
			o, err := c.FindByOrderNumber(context.Background(), tt.number)
			if tt.want == "" {
				if !errors.Is(err, lab.ErrNotFound) {
					t.Errorf("expected lab.ErrNotFound, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FindByOrderNumber: %v", err)
			}
			if o.ID != tt.want {
				t.Errorf("got %s, want %s", o.ID, tt.want)
			}
		})
	}
}

func TestClient_UpdateAndComplete(t *testing.T) {
	var calls []string
	var updated lab.LabOrder
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPut {
			json.NewDecoder(r.Body).Decode(&updated)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	order := &lab.LabOrder{ID: "ord-1", OrderNumber: "PL-1", Status: lab.OrderInProgress}
	if err := c.UpdateOrder(context.Background(), order); err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}
	if err := c.Complete(context.Background(), "ord-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	want := []string{"PUT /api/v1/lab-orders/ord-1", "POST /api/v1/lab-orders/ord-1/complete"}
	if len(calls) != 2 || calls[0] != want[0] || calls[1] != want[1] {
		t.Errorf("calls = %v", calls)
	}
	if updated.Status != lab.OrderInProgress || updated.OrderNumber != "PL-1" {
		t.Errorf("updated = %+v", updated)
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c, _ := NewClient(Config{BaseURL: srv.URL, RetryMax: 0}, zerolog.Nop())
	if _, err := c.FindByID(context.Background(), "p-1"); !apperr.Retryable(err) {
		t.Errorf("expected transport error, got %v", err)
	}
}
