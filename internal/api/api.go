/*
Outbox - Centralized outbound mail queue.
Copyright © 2024 Outbox contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package api implements the HTTP interface applications submit mail
// through. Every /api/v1 route requires a valid X-API-Key header;
// /metrics and /healthz do not.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/outbox-mail/outbox/framework/log"
	"github.com/outbox-mail/outbox/internal/admin"
	"github.com/outbox-mail/outbox/internal/storage"
	"github.com/outbox-mail/outbox/internal/submit"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type Server struct {
	Store     *storage.Store
	Submitter *submit.Submitter
	Admin     *admin.Ops
	Log       log.Logger
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Post("/messages", s.submitMessage)
		r.Get("/messages", s.listMessages)
		r.Get("/messages/{uuid}", s.getMessage)
		r.Post("/messages/{uuid}/retry", s.retryMessage)
		r.Post("/messages/{uuid}/cancel", s.cancelMessage)
		r.Get("/stats", s.stats)
	})

	return r
}

type ctxKey int

const apiKeyCtx ctxKey = 0

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-API-Key")
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "Missing X-API-Key header")
			return
		}

		key, err := s.Store.VerifyAPIKey(raw)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "Invalid or disabled API key")
				return
			}
			s.Log.Error("api key lookup failed", err)
			writeError(w, http.StatusInternalServerError, "Internal error")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiKeyCtx, key)))
	})
}

func requestKey(r *http.Request) *storage.APIKey {
	return r.Context().Value(apiKeyCtx).(*storage.APIKey)
}

func actorFor(key *storage.APIKey) string {
	return fmt.Sprintf("api_key:%d", key.ID)
}

type submitRequest struct {
	From         string   `json:"from_address"`
	To           []string `json:"to"`
	Cc           []string `json:"cc"`
	Bcc          []string `json:"bcc"`
	Subject      string   `json:"subject"`
	Body         string   `json:"body"`
	BodyType     string   `json:"body_type"`
	DeliveryType string   `json:"delivery_type"`
	SourceApp    string   `json:"source_app"`

	Attachments []struct {
		Filename      string `json:"filename"`
		ContentType   string `json:"content_type"`
		ContentBase64 string `json:"content_base64"`
	} `json:"attachments"`
}

func (s *Server) submitMessage(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)

	var req submitRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	sub := submit.Request{
		FromAddress:    req.From,
		To:             req.To,
		Cc:             req.Cc,
		Bcc:            req.Bcc,
		Subject:        req.Subject,
		Body:           req.Body,
		BodyType:       req.BodyType,
		DeliveryType:   req.DeliveryType,
		SourceApp:      req.SourceApp,
		SourceAPIKeyID: &key.ID,
	}
	if sub.SourceApp == "" {
		sub.SourceApp = key.Description
	}
	for _, att := range req.Attachments {
		sub.Attachments = append(sub.Attachments, submit.Attachment{
			Filename:      att.Filename,
			ContentType:   att.ContentType,
			ContentBase64: att.ContentBase64,
		})
	}

	m, err := s.Submitter.Submit(sub)
	if err != nil {
		if submit.IsValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.Log.Error("submission failed", err, "api_key", key.ID)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	if err := s.Store.AppendAudit(actorFor(key), admin.ActionMessageSubmitted, m.UUID, ""); err != nil {
		s.Log.Error("audit write failed", err, "uuid", m.UUID)
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"uuid":       m.UUID,
		"status":     string(m.Status),
		"created_at": m.CreatedAt,
	})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.Store.MessageByUUID(chi.URLParam(r, "uuid"))
	if err != nil {
		s.messageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageJSON(m))
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := storage.ListFilter{
		Search: q.Get("search"),
		Limit:  defaultPageSize,
	}
	if st := q.Get("status"); st != "" {
		if !storage.KnownStatus(storage.Status(st)) {
			writeError(w, http.StatusBadRequest, "Unknown status filter")
			return
		}
		f.Status = storage.Status(st)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		f.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		f.Offset = n
	}

	msgs, err := s.Store.ListMessages(f)
	if err != nil {
		s.Log.Error("message listing failed", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	total, err := s.Store.CountMessages(f.Status)
	if err != nil {
		s.Log.Error("message count failed", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	out := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": out,
		"total":    total,
		"limit":    f.Limit,
		"offset":   f.Offset,
	})
}

func (s *Server) retryMessage(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	m, err := s.Admin.RetryMessage(actorFor(key), chi.URLParam(r, "uuid"))
	if err != nil {
		s.messageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageJSON(m))
}

func (s *Server) cancelMessage(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	m, err := s.Admin.CancelMessage(actorFor(key), chi.URLParam(r, "uuid"))
	if err != nil {
		s.messageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageJSON(m))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.MessageStats()
	if err != nil {
		s.Log.Error("stats query failed", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DB.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) messageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "Message not found")
	case errors.Is(err, storage.ErrWrongState):
		writeError(w, http.StatusBadRequest, "Message is not in a state that allows this operation")
	default:
		s.Log.Error("message operation failed", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

func messageJSON(m *storage.Message) map[string]interface{} {
	return map[string]interface{}{
		"uuid":              m.UUID,
		"status":            string(m.Status),
		"delivery_type":     m.DeliveryType,
		"from_address":      m.FromAddress,
		"to":                m.ToList(),
		"cc":                m.CcList(),
		"bcc":               m.BccList(),
		"subject":           m.Subject,
		"body_type":         m.BodyType,
		"retries_remaining": m.RetriesRemaining,
		"last_error":        strOrNil(m.LastError),
		"source_app":        strOrNil(m.SourceApp),
		"created_at":        m.CreatedAt,
		"updated_at":        m.UpdatedAt,
		"sent_at":           strOrNil(m.SentAt),
	}
}

func strOrNil(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// Too late for an error response once the status line is out.
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]interface{}{"error": msg})
}
