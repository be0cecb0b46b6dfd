package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/newsagg/aggregator"
	"github.com/hazyhaar/newsagg/kit"
	"github.com/hazyhaar/newsagg/shield"
)

// newRouter builds the JSON API. rl may be nil.
func newRouter(svc *aggregator.Service, rl *shield.RateLimiter) http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.APIStack(rl) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		h, err := svc.Health(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		code := http.StatusOK
		if h.Status == aggregator.HealthDisabled {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/articles", func(w http.ResponseWriter, r *http.Request) {
			q, err := articleQuery(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			list, err := svc.ListArticles(withHTTP(r), q)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, list)
		})

		r.Get("/categories", func(w http.ResponseWriter, r *http.Request) {
			cats, err := svc.Categories(withHTTP(r))
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, cats)
		})

		r.Get("/sources", func(w http.ResponseWriter, r *http.Request) {
			srcs, err := svc.Sources(withHTTP(r))
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, srcs)
		})

		r.Post("/sources/{name}/enable", func(w http.ResponseWriter, r *http.Request) {
			src, err := svc.EnableSource(withHTTP(r), chi.URLParam(r, "name"))
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, src)
		})

		r.Post("/refresh", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusAccepted, svc.RequestRefresh())
		})
	})
	return r
}

func withHTTP(r *http.Request) context.Context {
	return kit.WithTransport(r.Context(), "http")
}

// articleQuery reads the listing parameters. sources may be repeated and
// comma separated.
func articleQuery(r *http.Request) (aggregator.ArticleQuery, error) {
	v := r.URL.Query()
	q := aggregator.ArticleQuery{
		Cursor:   v.Get("cursor"),
		Source:   v.Get("source"),
		Sources:  v["sources"],
		Category: v.Get("category"),
		Language: v.Get("language"),
		DateFrom: v.Get("date_from"),
		DateTo:   v.Get("date_to"),
		Q:        v.Get("q"),
	}
	var err error
	if q.Page, err = queryInt(r, "page", 1); err != nil {
		return q, err
	}
	if q.PageSize, err = queryInt(r, "page_size", aggregator.DefaultPageSize); err != nil {
		return q, err
	}
	if q.Page < 1 || q.PageSize < 1 {
		return q, errors.New("page and page_size must be >= 1")
	}
	return q, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: not an integer: %q", key, s)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// writeServiceError maps service sentinels to status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, aggregator.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, aggregator.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err)
	default:
		shield.GetLogger(r.Context()).Error("newsagg: request failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}
