// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quocanhdayyy/QLDChehe/internal/audit"
	"github.com/quocanhdayyy/QLDChehe/internal/model"
	"github.com/quocanhdayyy/QLDChehe/internal/notify"
	"github.com/quocanhdayyy/QLDChehe/internal/repository"
	"github.com/quocanhdayyy/QLDChehe/internal/service"
)

const sideEffectTimeout = 10 * time.Second

// Handler holds all HTTP handlers for the gift event API.
type Handler struct {
	events        *service.EventService
	registrations *service.RegistrationService
	audit         audit.Recorder
	notifier      notify.Dispatcher
	log           *zap.Logger

	wg sync.WaitGroup
}

// NewHandler constructs a Handler. rec and notifier may be nil.
func NewHandler(
	events *service.EventService,
	registrations *service.RegistrationService,
	rec audit.Recorder,
	notifier notify.Dispatcher,
	log *zap.Logger,
) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		events:        events,
		registrations: registrations,
		audit:         rec,
		notifier:      notifier,
		log:           log.Named("handler"),
	}
}

// Wait blocks until pending audit and notification deliveries finish.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// RouterConfig carries the router's collaborators.
type RouterConfig struct {
	Handler  *Handler
	Auth     *Authenticator
	Gatherer prometheus.Gatherer
	Log      *zap.Logger
}

// NewRouter builds the chi router with middleware and every route.
func NewRouter(cfg RouterConfig) http.Handler {
	h := cfg.Handler
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(Logger(log))
	r.Use(CORS)

	r.Get("/health", HealthCheck)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	leader := RequireRole(RoleLeader)
	r.Route("/gift-events", func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)

		r.Get("/", h.ListEvents)
		r.With(leader).Post("/", h.CreateEvent)

		r.Route("/registrations", func(r chi.Router) {
			r.With(RequireCitizen).Get("/mine", h.MyRegistrations)
			r.With(leader).Post("/scan", h.Scan)
			r.Post("/{regID}/cancel", h.CancelRegistration)
		})

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetEvent)
			r.With(leader).Patch("/", h.UpdateEvent)
			r.With(leader).Delete("/", h.DeleteEvent)
			r.With(leader).Post("/open", h.OpenEvent)
			r.With(leader).Post("/close", h.CloseEvent)
			r.With(RequireCitizen).Post("/register", h.Register)
			r.With(leader).Get("/registrations", h.ListRegistrations)
		})
	})
	return r
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeServiceError maps service and repository errors to a status code.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error(msg,
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

// reasonStatus maps a business rejection to an HTTP status.
func reasonStatus(reason model.Reason) int {
	switch reason {
	case model.ReasonNotFound, model.ReasonEventNotFound, model.ReasonCitizenNotFound:
		return http.StatusNotFound
	case model.ReasonAlreadyRegistered, model.ReasonAlreadyReceived, model.ReasonEventFullOrClosed:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func parsePagination(r *http.Request) (model.Pagination, error) {
	var p model.Pagination
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, &service.ValidationError{Field: "page", Message: "must be a positive integer"}
		}
		if n > model.MaxPage {
			return p, &service.ValidationError{Field: "page", Message: "must not exceed " + strconv.Itoa(model.MaxPage)}
		}
		p.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, &service.ValidationError{Field: "limit", Message: "must be a positive integer"}
		}
		p.Limit = n
	}
	return p, nil
}

// background runs fn after the response without the request's cancellation.
func (h *Handler) background(ctx context.Context, name string, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			h.log.Warn(name+" failed", zap.Error(err))
		}
	}()
}

func (h *Handler) recordAudit(ctx context.Context, action audit.Action, entityType, entityID, actor string, before, after any) {
	if h.audit == nil {
		return
	}
	h.background(ctx, "audit", func(ctx context.Context) error {
		return h.audit.Record(ctx, action, entityType, entityID, actor, before, after)
	})
}

func (h *Handler) sendNotification(ctx context.Context, userID, title, message string) {
	if h.notifier == nil || userID == "" {
		return
	}
	h.background(ctx, "notify", func(ctx context.Context) error {
		return h.notifier.Notify(ctx, userID, title, message)
	})
}

func principal(r *http.Request) Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
