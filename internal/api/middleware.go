package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/septivank/climax-ledger/internal/auth"
	"github.com/septivank/climax-ledger/internal/db"
	"github.com/septivank/climax-ledger/internal/logging"
	"go.uber.org/zap"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := logging.ContextWithRequestID(r.Context(), id)
		ctx = context.WithValue(ctx, middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := &db.RequestLogEntry{
				RequestID:  logging.RequestID(r.Context()),
				Method:     r.Method,
				Path:       r.URL.Path,
				Status:     status,
				DurationMS: time.Since(start).Milliseconds(),
				RemoteAddr: r.RemoteAddr,
			}
			if err := h.opts.RequestLog.InsertRequestLog(context.WithoutCancel(r.Context()), entry); err != nil {
				logging.FromContext(r.Context(), h.logger).Warn("failed to record request", zap.Error(err))
			}
		}()
		next.ServeHTTP(ww, r)
	})
}

func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed := h.allowedOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+auth.HeaderName+", "+RequestIDHeader)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Expose-Headers", RequestIDHeader+", Content-Disposition")
			if allowed != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	for _, o := range h.opts.CORSOrigins {
		if o == "*" {
			return "*"
		}
		if strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

func (h *Handler) require(c auth.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := h.policy.AuthorizeRequest(c, r); err != nil {
				logging.FromContext(r.Context(), h.logger).Warn("rejected request",
					zap.String("path", r.URL.Path),
					zap.String("capability", c.String()))
				h.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
