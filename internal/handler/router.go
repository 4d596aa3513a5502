package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/unclebandit/cartrecovery-backend/internal/broadcast"
	"github.com/unclebandit/cartrecovery-backend/internal/controller"
	"github.com/unclebandit/cartrecovery-backend/internal/logger"
)

// Routes bundles everything the HTTP API serves. A nil Hub leaves /ws unmounted; an
// empty SwaggerURL leaves /swagger unmounted.
type Routes struct {
	Campaigns     *controller.CampaignController
	Delivery      *controller.DeliveryController
	Notifications *NotificationHandler
	Hub           *broadcast.Hub
	SwaggerURL    string
}

func NewRouter(rt Routes) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		controller.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if cc := rt.Campaigns; cc != nil {
		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", cc.CreateCampaign)
			r.Get("/", cc.ListCampaigns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cc.GetCampaignDetails)
				r.Patch("/", cc.UpdateCampaign)
				r.Delete("/", cc.DeleteCampaign)
				r.Get("/dispatches", cc.ListDispatches)
				r.Post("/pause", cc.Pause)
				r.Post("/resume", cc.Resume)
				r.Post("/play", cc.Resume)
				r.Post("/send-now", cc.SendNow)
				r.Post("/cancel", cc.Cancel)
				r.Post("/personalized-preview", cc.PersonalizedPreview)
			})
		})
	}

	if dc := rt.Delivery; dc != nil {
		r.Post("/messages", dc.SendMessage)
		r.Get("/cooldowns/{customerID}/{channel}", dc.CooldownRemaining)
		r.Post("/providers/callbacks", dc.ProviderCallback)
		r.Get("/stores/{storeID}/carts", dc.ListCarts)
	}

	if nh := rt.Notifications; nh != nil {
		r.Get("/notifications", nh.ListNotifications)
		r.Post("/notifications/read", nh.MarkRead)
		r.Post("/notifications/delete", nh.DeleteNotifications)
	}

	if rt.Hub != nil {
		r.Method(http.MethodGet, "/ws", broadcast.Handler(rt.Hub))
	}

	if rt.SwaggerURL != "" {
		r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL(rt.SwaggerURL)))
	}
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.WithModule("http").WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}
