package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ASLP-AI/xdecoder/internal/health"
	"github.com/ASLP-AI/xdecoder/internal/observe"
	"github.com/ASLP-AI/xdecoder/internal/resilience"
	"github.com/ASLP-AI/xdecoder/pkg/history"
)

// maxPageItems caps the page size a client may request from /history.
const maxPageItems = 100

// routes builds the request multiplexer.
func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Hello, world"))
	})

	checkers := []health.Checker{{Name: "pool", Check: a.pool.Ready}}
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "history", Check: a.store.Ping})
		mux.HandleFunc("GET /history", a.serveHistory)
	}
	health.New(checkers...).Register(mux)

	a.streams.Register(mux)

	if a.cfg.Server.Metrics {
		mux.Handle("GET /metrics", a.scrape)
	}
	return mux
}

// serveHistory returns one page of history records:
//
//	GET /history?page=0&page_items=10
//
// Out-of-range pages are clamped to the nearest existing page.
func (a *App) serveHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q, "page", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	size, err := intParam(q, "page_items", history.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	size = min(size, maxPageItems)

	listing, err := history.Query(r.Context(), a.store, page, size)
	if err != nil {
		observe.Logger(r.Context()).Warn("history query failed", "err", err)
		status := http.StatusInternalServerError
		if errors.Is(err, resilience.ErrCircuitOpen) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// intParam parses the integer query parameter name, returning def when it
// is absent.
func intParam(q url.Values, name string, def int) (int, error) {
	s := q.Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("invalid " + name + ": " + strconv.Quote(s))
	}
	return n, nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
