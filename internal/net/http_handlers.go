package net

import (
	"encoding/json"
	"errors"
	"log"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"void-reckoning/dashboard/internal/alerts"
	"void-reckoning/dashboard/internal/bus"
	"void-reckoning/dashboard/internal/journal"
	"void-reckoning/dashboard/internal/net/ws"
	"void-reckoning/dashboard/internal/status"
	"void-reckoning/dashboard/internal/telemetry"
	"void-reckoning/dashboard/internal/world"
	"void-reckoning/dashboard/logging"
)

// ConnectionStatus is satisfied by *ws.Manager.
type ConnectionStatus interface {
	Status() ws.Status
}

// HTTPHandlerConfig lists the stores the diagnostics surface reads. Nil
// stores are reported as empty.
type HTTPHandlerConfig struct {
	SessionID  string
	Connection ConnectionStatus
	Counters   *telemetry.Counters
	Bus        *bus.Bus
	Router     *logging.Router
	Journal    *journal.Journal
	Alerts     *alerts.Ledger
	World      *world.Projector
	Board      *status.Board
	Logger     *log.Logger
	Tracing    bool
	Now        func() time.Time
}

func NewHTTPHandler(cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	r.Get("/diagnostics", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		payload := struct {
			Status     string               `json:"status"`
			SessionID  string               `json:"sessionId,omitempty"`
			ClientTime int64                `json:"clientTime"`
			Connection *ws.Status           `json:"connection,omitempty"`
			Telemetry  *telemetry.Snapshot  `json:"telemetry,omitempty"`
			Bus        []bus.TopicStats     `json:"bus"`
			Logging    *logging.RouterStats `json:"logging,omitempty"`
			Metrics    map[string]uint64    `json:"metrics,omitempty"`
			Journal    *journal.Stats       `json:"journal,omitempty"`
			Alerts     int                  `json:"alerts"`
			Regions    int                  `json:"regions"`
			Revision   uint64               `json:"worldRevision"`
		}{
			Status:     "ok",
			SessionID:  cfg.SessionID,
			ClientTime: now().UnixMilli(),
			Bus:        cfg.Bus.Stats(),
		}
		if cfg.Connection != nil {
			s := cfg.Connection.Status()
			payload.Connection = &s
		}
		if cfg.Counters != nil {
			s := cfg.Counters.Snapshot()
			payload.Telemetry = &s
		}
		if cfg.Router != nil {
			s := cfg.Router.Stats()
			payload.Logging = &s
			payload.Metrics = cfg.Router.Metrics().Snapshot()
		}
		if cfg.Journal != nil {
			s := cfg.Journal.Stats()
			payload.Journal = &s
		}
		if cfg.Alerts != nil {
			payload.Alerts = cfg.Alerts.Len()
		}
		if cfg.World != nil {
			payload.Regions = len(cfg.World.Regions())
			payload.Revision = cfg.World.Revision()
		}
		writeJSON(w, logger, payload)
	})

	r.Get("/events", func(w nethttp.ResponseWriter, req *nethttp.Request) {
		if cfg.Journal == nil {
			writeJSON(w, logger, journal.Page{Items: []journal.Event{}, Page: 1, PageSize: journal.DefaultPageSize})
			return
		}
		q := req.URL.Query()
		filter := journal.Filter{
			Categories: listParam(q["category"]),
			Factions:   listParam(q["faction"]),
			Search:     q.Get("q"),
		}
		writeJSON(w, logger, cfg.Journal.Paginate(filter, intParam(q.Get("page"), 1), intParam(q.Get("page_size"), journal.DefaultPageSize)))
	})

	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", func(w nethttp.ResponseWriter, req *nethttp.Request) {
			if cfg.Alerts == nil {
				writeJSON(w, logger, alerts.Page{Items: []alerts.Alert{}, Page: 1, PageSize: alerts.DefaultPageSize})
				return
			}
			q := req.URL.Query()
			filter := alerts.Filter{Term: q.Get("type")}
			for _, raw := range listParam(q["severity"]) {
				if strings.EqualFold(raw, alerts.FilterAll) {
					continue
				}
				filter.Severities = append(filter.Severities, alerts.ParseSeverity(raw))
			}
			writeJSON(w, logger, cfg.Alerts.List(filter, intParam(q.Get("page"), 1), intParam(q.Get("page_size"), alerts.DefaultPageSize)))
		})
		r.Get("/summary", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
			if cfg.Alerts == nil {
				writeJSON(w, logger, alerts.Summary{BySeverity: map[alerts.Severity]int{}})
				return
			}
			writeJSON(w, logger, cfg.Alerts.Summary())
		})
		r.Post("/{id}/acknowledge", func(w nethttp.ResponseWriter, req *nethttp.Request) {
			if cfg.Alerts == nil {
				httpError(w, "alerts unavailable", nethttp.StatusServiceUnavailable)
				return
			}
			id := chi.URLParam(req, "id")
			err := cfg.Alerts.Acknowledge(req.Context(), id)
			switch {
			case errors.Is(err, alerts.ErrAlertNotFound):
				httpError(w, "alert not found", nethttp.StatusNotFound)
				return
			case err != nil && cfg.Alerts.IsPending(id):
				logger.Printf("acknowledge %s queued: %v", id, err)
				writeJSONStatus(w, logger, nethttp.StatusAccepted, map[string]any{"id": id, "acknowledged": true, "pending": true})
				return
			case err != nil:
				// Rejected by the backend; only the local flag is set.
				logger.Printf("acknowledge %s rejected: %v", id, err)
				writeJSONStatus(w, logger, nethttp.StatusBadGateway, map[string]any{"id": id, "acknowledged": true, "pending": false, "error": err.Error()})
				return
			}
			writeJSON(w, logger, map[string]any{"id": id, "acknowledged": true})
		})
	})

	r.Get("/regions", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		regions := []world.RegionControl{}
		if cfg.World != nil {
			regions = cfg.World.Regions()
		}
		writeJSON(w, logger, regions)
	})

	r.Get("/regions/{name}", func(w nethttp.ResponseWriter, req *nethttp.Request) {
		if cfg.World == nil {
			httpError(w, "region not found", nethttp.StatusNotFound)
			return
		}
		region, ok := cfg.World.Region(chi.URLParam(req, "name"))
		if !ok {
			httpError(w, "region not found", nethttp.StatusNotFound)
			return
		}
		writeJSON(w, logger, region)
	})

	r.Get("/status", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		if cfg.Board == nil {
			writeJSON(w, logger, status.Snapshot{})
			return
		}
		writeJSON(w, logger, cfg.Board.Snapshot())
	})

	if cfg.Tracing {
		return otelhttp.NewHandler(r, "dashboard-diagnostics")
	}
	return r
}

// listParam accepts repeated and comma separated values.
func listParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func intParam(raw string, fallback int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w nethttp.ResponseWriter, logger *log.Logger, payload any) {
	writeJSONStatus(w, logger, nethttp.StatusOK, payload)
}

func writeJSONStatus(w nethttp.ResponseWriter, logger *log.Logger, code int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("encode diagnostics response: %v", err)
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
