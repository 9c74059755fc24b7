package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"void-reckoning/dashboard/internal/net/proto"
)

type fakeBackend struct {
	acked      []string
	historyURL string
	ackStatus  int
}

func (f *fakeBackend) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/alerts/active", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []map[string]any{
			{"id": "a-1", "severity": "warning", "rule_name": "supply_low", "message": "Supply low", "timestamp": 1700000000},
		})
	})
	r.Get("/api/alerts/history", func(w http.ResponseWriter, r *http.Request) {
		f.historyURL = r.URL.RawQuery
		writeJSON(w, map[string]any{
			"total": 1, "page": 2, "page_size": 50,
			"items": []map[string]any{{"id": "a-2", "severity": "critical", "timestamp": "2026-03-01T10:00:00"}},
		})
	})
	r.Get("/api/alerts/summary", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"total": 3, "active": 2, "by_severity": map[string]int{"critical": 1}})
	})
	r.Post("/api/alerts/{id}/acknowledge", func(w http.ResponseWriter, r *http.Request) {
		if f.ackStatus != 0 {
			http.Error(w, "ack unavailable", f.ackStatus)
			return
		}
		f.acked = append(f.acked, chi.URLParam(r, "id"))
		writeJSON(w, map[string]any{"success": true})
	})
	r.Get("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"status": "running", "universe": "void_beta", "run_id": "r1", "streaming": true})
	})
	r.Get("/api/run/max_turn", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"max_turn": 42})
	})
	r.Get("/api/galaxy/topology", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"systems": []map[string]any{{"name": "Styx-7", "x": 1, "y": 2, "owner": "A", "control": map[string]int{"A": 2, "B": 1}}},
			"lanes":   []map[string]any{{"source": "Styx-7", "target": "Hollow"}},
			"bounds":  map[string]any{"width": 100, "height": 80},
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()
	srv := httptest.NewServer(backend.router())
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestClientReadsEndpoints(t *testing.T) {
	backend := &fakeBackend{}
	client := newTestClient(t, backend)
	ctx := context.Background()

	active, err := client.ActiveAlerts(ctx)
	if err != nil {
		t.Fatalf("active alerts: %v", err)
	}
	if len(active) != 1 || active[0].ID != "a-1" || active[0].Timestamp.IsZero() {
		t.Fatalf("unexpected active alerts %+v", active)
	}

	history, err := client.AlertHistory(ctx, proto.HistoryQuery{Severity: "critical", Page: 2, PageSize: 50})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if backend.historyURL != "page=2&page_size=50&severity=critical" {
		t.Fatalf("unexpected history query %q", backend.historyURL)
	}
	if history.Total != 1 || len(history.Items) != 1 || history.Items[0].Severity != "critical" {
		t.Fatalf("unexpected history %+v", history)
	}

	summary, err := client.AlertSummary(ctx)
	if err != nil || summary.Active != 2 || summary.BySeverity["critical"] != 1 {
		t.Fatalf("unexpected summary %+v (err %v)", summary, err)
	}

	status, err := client.Status(ctx)
	if err != nil || status.Universe != "void_beta" || !status.Streaming {
		t.Fatalf("unexpected status %+v (err %v)", status, err)
	}

	maxTurn, err := client.MaxTurn(ctx)
	if err != nil || maxTurn.MaxTurn != 42 {
		t.Fatalf("unexpected max turn %+v (err %v)", maxTurn, err)
	}

	topology, err := client.Topology(ctx)
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	if len(topology.Systems) != 1 || topology.Systems[0].Control["A"] != 2 || len(topology.Lanes) != 1 {
		t.Fatalf("unexpected topology %+v", topology)
	}
}

func TestClientAcknowledge(t *testing.T) {
	backend := &fakeBackend{}
	client := newTestClient(t, backend)

	if err := client.AcknowledgeAlert(context.Background(), "a 1"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if len(backend.acked) != 1 || backend.acked[0] != "a 1" {
		t.Fatalf("expected ack for %q, got %v", "a 1", backend.acked)
	}
}

func TestClientStatusErrors(t *testing.T) {
	cases := []struct {
		name      string
		code      int
		temporary bool
	}{
		{name: "server error", code: http.StatusBadGateway, temporary: true},
		{name: "throttled", code: http.StatusTooManyRequests, temporary: true},
		{name: "missing", code: http.StatusNotFound, temporary: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, &fakeBackend{ackStatus: tc.code})
			err := client.AcknowledgeAlert(context.Background(), "a-1")
			var statusErr *StatusError
			if !errors.As(err, &statusErr) {
				t.Fatalf("expected *StatusError, got %v", err)
			}
			if statusErr.Code != tc.code {
				t.Fatalf("expected code %d, got %d", tc.code, statusErr.Code)
			}
			if statusErr.Temporary() != tc.temporary {
				t.Fatalf("expected temporary=%v for %d", tc.temporary, tc.code)
			}
			if statusErr.Body != "ack unavailable" {
				t.Fatalf("expected body snippet, got %q", statusErr.Body)
			}
		})
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "/api"}); err == nil {
		t.Fatalf("expected error for relative base url")
	}
}
