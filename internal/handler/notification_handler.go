// internal/handler/notification_handler.go
package handler

import (
	"net/http"
	"strings"

	"github.com/unclebandit/cartrecovery-backend/internal/controller"
	appErrors "github.com/unclebandit/cartrecovery-backend/internal/errors"
	"github.com/unclebandit/cartrecovery-backend/internal/service"
)

// NotificationHandler is the REST side of the notification inbox. Clients that lost their
// websocket poll List; read and delete changes are broadcast to every live session.
type NotificationHandler struct {
	Service *service.NotificationService
}

func NewNotificationHandler(svc *service.NotificationService) *NotificationHandler {
	return &NotificationHandler{Service: svc}
}

// TargetsRequest names the notifications a read or delete applies to.
type TargetsRequest struct {
	Scope string   `json:"scope"`
	IDs   []string `json:"ids"`
}

type TargetsResponse struct {
	Changed []string `json:"changed"`
}

func (r TargetsRequest) validate() error {
	if strings.TrimSpace(r.Scope) == "" {
		return appErrors.NewValidation("scope", "is required")
	}
	if len(r.IDs) == 0 {
		return appErrors.NewValidation("ids", "must not be empty")
	}
	return nil
}

// ListNotifications godoc
// @Summary      Notification inbox of a scope, newest first
// @Tags         Notifications
// @Produce      json
// @Param        scope      query  string  true   "Scope (store id)"
// @Param        page       query  int     false  "Page (1-based)"
// @Param        page_size  query  int     false  "Page size (max 100)"
// @Success      200  {object}  controller.ListResponse
// @Router       /notifications [get]
func (h *NotificationHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	scope := strings.TrimSpace(r.URL.Query().Get("scope"))
	if scope == "" {
		controller.WriteError(w, appErrors.NewValidation("scope", "is required"))
		return
	}

	events, pagination, err := h.Service.List(r.Context(), scope, controller.QueryInt(r, "page"), controller.QueryInt(r, "page_size"))
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, controller.ListResponse{Data: events, Pagination: pagination})
}

// MarkRead godoc
// @Summary      Mark notifications as read
// @Tags         Notifications
// @Accept       json
// @Produce      json
// @Param        request  body  TargetsRequest  true  "Scope and ids"
// @Success      200  {object}  TargetsResponse
// @Router       /notifications/read [post]
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var body TargetsRequest
	if err := controller.DecodeBody(r, &body); err != nil {
		controller.WriteError(w, err)
		return
	}
	if err := body.validate(); err != nil {
		controller.WriteError(w, err)
		return
	}

	changed, err := h.Service.MarkRead(r.Context(), body.Scope, body.IDs)
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, TargetsResponse{Changed: nonNil(changed)})
}

// DeleteNotifications godoc
// @Summary      Delete notifications
// @Tags         Notifications
// @Accept       json
// @Produce      json
// @Param        request  body  TargetsRequest  true  "Scope and ids"
// @Success      200  {object}  TargetsResponse
// @Router       /notifications/delete [post]
func (h *NotificationHandler) DeleteNotifications(w http.ResponseWriter, r *http.Request) {
	var body TargetsRequest
	if err := controller.DecodeBody(r, &body); err != nil {
		controller.WriteError(w, err)
		return
	}
	if err := body.validate(); err != nil {
		controller.WriteError(w, err)
		return
	}

	removed, err := h.Service.Delete(r.Context(), body.Scope, body.IDs)
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, TargetsResponse{Changed: nonNil(removed)})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
