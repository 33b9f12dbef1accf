// Package httpapi exposes the notification actions and the timeline over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dfda/dfda-node/internal/jobs"
	"github.com/dfda/dfda-node/internal/models"
	"github.com/dfda/dfda-node/internal/reminders"
)

type ActionService interface {
	CompleteOrSkipNotification(ctx context.Context, notificationID, userID string, skipped bool, details *models.LogDetails) reminders.ActionResult
	UndoNotification(ctx context.Context, notificationID, userID string) reminders.ActionResult
	LogAndComplete(ctx context.Context, notificationID, userID string, value float64, note string) reminders.ActionResult
}

type TimelineService interface {
	GetTimelineNotificationsForDate(ctx context.Context, userID string, date time.Time) reminders.TimelineResult
}

type ScheduleLookup interface {
	GetByID(ctx context.Context, id string) (*models.ReminderSchedule, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds everything the router needs.
type Deps struct {
	Actions        ActionService
	Timeline       TimelineService
	Schedules      ScheduleLookup
	Jobs           jobs.Enqueuer
	DB             Pinger
	JWTSecret      string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter builds the HTTP handler tree.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := &Handler{
		actions:   deps.Actions,
		timeline:  deps.Timeline,
		schedules: deps.Schedules,
		jobs:      deps.Jobs,
		db:        deps.DB,
		logger:    deps.Logger,
	}

	// 2 writes/second per user, burst of 10.
	writeRL := NewRateLimiter(rate.Limit(2), 10)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(Auth([]byte(deps.JWTSecret)))

		r.Get("/timeline", h.Timeline)

		r.Group(func(r chi.Router) {
			r.Use(writeRL.Limit)

			r.Post("/notifications/{id}/complete", h.Complete)
			r.Post("/notifications/{id}/skip", h.Skip)
			r.Post("/notifications/{id}/undo", h.Undo)
			r.Post("/schedules/{id}/materialize", h.Materialize)
		})
	})

	return r
}
