package app

import (
	"encoding/json"
	"net/http"

	"relay/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// readiness is the /readyz body. DB is one of disabled, ok, unreachable or missing.
type readiness struct {
	Ready    bool   `json:"ready"`
	DB       string `json:"db"`
	Sessions int    `json:"sessions"`
	Draining bool   `json:"draining,omitempty"`
}

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	hub *realtime.Hub,
	ws *realtime.WSGateway,
	metrics *prometheus.Registry,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	// Not ready while the hub drains (new sessions are refused) or when a required audit
	// database is missing or unreachable.
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		rd := readiness{
			DB:       "disabled",
			Sessions: hub.Registry().Len(),
			Draining: hub.Draining(),
		}

		switch {
		case dbPool != nil:
			rd.DB = "ok"
			if err := pingDB(r.Context(), dbPool, dbReadinessPingTimeout); err != nil {
				rd.DB = "unreachable"
				log.Info("readyz.db.not_ready", "err", err)
			}
		case cfg.ReadinessRequireDB:
			rd.DB = "missing"
		}
		dbOK := rd.DB == "ok" || (rd.DB == "disabled" && !cfg.ReadinessRequireDB)
		rd.Ready = dbOK && !rd.Draining

		w.Header().Set("Content-Type", "application/json")
		if !rd.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(rd)
	})

	if metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{Registry: metrics}))
	}

	mux.Handle("/ws", ws)
}
