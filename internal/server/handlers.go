package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/tagger/internal/metrics"
	"github.com/hyperjump/tagger/internal/models"
	"github.com/hyperjump/tagger/internal/storage"
	"go.uber.org/zap"
)

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	threshold := s.config.DefaultThreshold
	if v := q.Get("threshold"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.respondMessage(w, http.StatusBadRequest, "invalid threshold")
			return
		}
		threshold = t
	}

	ref := s.acquire()
	if ref == nil {
		s.respondMessage(w, http.StatusServiceUnavailable, "no model loaded")
		return
	}
	defer ref.release()
	tg := ref.tg

	var (
		tags []models.TagScore
		err  error
	)
	switch {
	case q.Get("file") != "":
		tags, err = tg.TagFile(r.Context(), q.Get("file"), threshold)
	case q.Get("url") != "":
		var body io.ReadCloser
		body, err = s.fetch(r.Context(), q.Get("url"))
		if err == nil {
			tags, err = tg.Tag(r.Context(), io.LimitReader(body, s.maxBody), threshold)
			body.Close()
		}
	default:
		s.respondMessage(w, http.StatusBadRequest, "'file' or 'url' must be specified")
		return
	}
	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		s.logger.Debug("evaluate failed", zap.Error(err))
		s.respondMessage(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	metrics.EvaluationsTotal.WithLabelValues("ok").Inc()
	s.respondJSON(w, http.StatusOK, models.EvaluateResponse{MatchingTags: tags})
}

func (s *Server) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.tagger.Load() == nil {
		status = "no model"
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleRecordSearch(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		s.respondError(w, http.StatusNotImplemented, "record search not enabled")
		return
	}
	q := r.URL.Query()
	query := models.RecordQuery{
		Query:          q.Get("q"),
		MatchAll:       q.Get("all") == "true",
		IncludeRecords: q.Get("records") == "true",
	}
	if v := q.Get("limit"); v != "" {
		query.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		query.Offset, _ = strconv.Atoi(v)
	}
	if err := query.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.search.Search(r.Context(), &query)
	if err != nil {
		s.logger.Error("record search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if query.IncludeRecords && s.store != nil {
		for _, h := range resp.Hits {
			rec, err := s.store.GetRecord(r.Context(), h.ID)
			if err != nil {
				if !errors.Is(err, storage.ErrRecordNotFound) {
					s.logger.Warn("record lookup failed", zap.Int64("id", h.ID), zap.Error(err))
				}
				continue
			}
			h.Record = rec
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusNotImplemented, "record store not enabled")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	rec, err := s.store.GetRecord(r.Context(), id)
	if errors.Is(err, storage.ErrRecordNotFound) {
		s.respondError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.loader == nil {
		s.respondError(w, http.StatusNotImplemented, "reload not configured")
		return
	}
	if err := s.Reload(); err != nil {
		s.logger.Error("model reload failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondMessage is the error shape of the evaluate endpoint.
func (s *Server) respondMessage(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"message": message})
}
