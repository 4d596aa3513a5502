// internal/controller/campaign_controller.go
package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/cartrecovery-backend/internal/model"
	"github.com/unclebandit/cartrecovery-backend/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
}

// ListResponse is the paginated envelope shared by list endpoints.
type ListResponse struct {
	Data       interface{}    `json:"data"`
	Pagination map[string]int `json:"pagination"`
}

// PreviewRequest asks for one customer's rendering of a campaign channel.
type PreviewRequest struct {
	CustomerID       string        `json:"customer_id"`
	Channel          model.Channel `json:"channel,omitempty"`
	OverrideTemplate *string       `json:"override_template,omitempty"`
}

type PreviewResponse struct {
	RenderedMessage string        `json:"rendered_message"`
	RenderedSubject string        `json:"rendered_subject,omitempty"`
	UsedTemplate    *string       `json:"used_template"`
	CustomerID      string        `json:"customer_id"`
	Channel         model.Channel `json:"channel"`
}

// CreateCampaign godoc
// @Summary      Create campaign
// @Description  Validates the campaign against the store plan and schedules its first firing.
// @Tags         Campaigns
// @Accept       json
// @Produce      json
// @Param        campaign body service.CreateCampaignInput true "Campaign"
// @Success      201  {object}  model.Campaign
// @Failure      400  {object}  ErrorResponse
// @Failure      403  {object}  ErrorResponse
// @Router       /campaigns [post]
func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	if err := DecodeBody(r, &body); err != nil {
		WriteError(w, err)
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, campaign)
}

// ListCampaigns godoc
// @Summary      List campaigns
// @Tags         Campaigns
// @Produce      json
// @Param        store_id   query  string  false  "Store"
// @Param        page       query  int     false  "Page (1-based)"
// @Param        page_size  query  int     false  "Page size (max 100)"
// @Param        channel    query  string  false  "Only campaigns using this channel"
// @Param        status     query  string  false  "Only campaigns in this status"
// @Success      200  {object}  ListResponse
// @Router       /campaigns [get]
func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	campaigns, pagination, err := c.CampaignService.ListCampaigns(
		r.Context(),
		q.Get("store_id"),
		QueryInt(r, "page"),
		QueryInt(r, "page_size"),
		q.Get("channel"),
		q.Get("status"),
	)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, ListResponse{Data: campaigns, Pagination: pagination})
}

// GetCampaignDetails godoc
// @Summary      Campaign with dispatch counts for its current cycle
// @Tags         Campaigns
// @Produce      json
// @Param        id   path  string  true  "Campaign ID"
// @Success      200  {object}  service.CampaignDetails
// @Failure      404  {object}  ErrorResponse
// @Router       /campaigns/{id} [get]
func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	details, err := c.CampaignService.GetCampaignDetails(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, details)
}

// UpdateCampaign godoc
// @Summary      Edit a non-terminal campaign
// @Tags         Campaigns
// @Accept       json
// @Produce      json
// @Param        id     path  string                         true  "Campaign ID"
// @Param        patch  body  service.UpdateCampaignInput    true  "Fields to change"
// @Success      200  {object}  model.Campaign
// @Failure      409  {object}  ErrorResponse
// @Router       /campaigns/{id} [patch]
func (c *CampaignController) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.UpdateCampaignInput
	if err := DecodeBody(r, &body); err != nil {
		WriteError(w, err)
		return
	}

	campaign, err := c.CampaignService.UpdateCampaign(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, campaign)
}

// DeleteCampaign godoc
// @Summary      Delete campaign and its dispatch history
// @Description  Deleting an unknown campaign is a no-op.
// @Tags         Campaigns
// @Param        id   path  string  true  "Campaign ID"
// @Success      204
// @Router       /campaigns/{id} [delete]
func (c *CampaignController) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := c.CampaignService.DeleteCampaign(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDispatches godoc
// @Summary      Per-recipient send records of a campaign
// @Tags         Campaigns
// @Produce      json
// @Param        id         path   string  true   "Campaign ID"
// @Param        page       query  int     false  "Page (1-based)"
// @Param        page_size  query  int     false  "Page size (max 100)"
// @Success      200  {object}  ListResponse
// @Router       /campaigns/{id}/dispatches [get]
func (c *CampaignController) ListDispatches(w http.ResponseWriter, r *http.Request) {
	items, pagination, err := c.CampaignService.ListDispatches(
		r.Context(), chi.URLParam(r, "id"), QueryInt(r, "page"), QueryInt(r, "page_size"),
	)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, ListResponse{Data: items, Pagination: pagination})
}

func writeAction(w http.ResponseWriter, res *service.ActionResult, err error) {
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// Pause godoc
// @Summary      Pause a scheduled or active campaign
// @Description  Actions that are not valid in the current status answer 200 with changed=false.
// @Tags         Lifecycle
// @Produce      json
// @Param        id   path  string  true  "Campaign ID"
// @Success      200  {object}  service.ActionResult
// @Router       /campaigns/{id}/pause [post]
func (c *CampaignController) Pause(w http.ResponseWriter, r *http.Request) {
	res, err := c.CampaignService.Pause(r.Context(), chi.URLParam(r, "id"))
	writeAction(w, res, err)
}

// Resume godoc
// @Summary      Resume (play) a paused or scheduled campaign
// @Tags         Lifecycle
// @Produce      json
// @Param        id   path  string  true  "Campaign ID"
// @Success      200  {object}  service.ActionResult
// @Router       /campaigns/{id}/resume [post]
// @Router       /campaigns/{id}/play [post]
func (c *CampaignController) Resume(w http.ResponseWriter, r *http.Request) {
	res, err := c.CampaignService.Resume(r.Context(), chi.URLParam(r, "id"))
	writeAction(w, res, err)
}

// SendNow godoc
// @Summary      Fire the campaign immediately; it ends in status sent
// @Tags         Lifecycle
// @Produce      json
// @Param        id   path  string  true  "Campaign ID"
// @Success      202  {object}  service.ActionResult
// @Router       /campaigns/{id}/send-now [post]
func (c *CampaignController) SendNow(w http.ResponseWriter, r *http.Request) {
	res, err := c.CampaignService.SendNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	status := http.StatusOK
	if res.Changed {
		status = http.StatusAccepted
	}
	WriteJSON(w, status, res)
}

// Cancel godoc
// @Summary      Cancel a campaign
// @Tags         Lifecycle
// @Produce      json
// @Param        id   path  string  true  "Campaign ID"
// @Success      200  {object}  service.ActionResult
// @Router       /campaigns/{id}/cancel [post]
func (c *CampaignController) Cancel(w http.ResponseWriter, r *http.Request) {
	res, err := c.CampaignService.Cancel(r.Context(), chi.URLParam(r, "id"))
	writeAction(w, res, err)
}

// PersonalizedPreview godoc
// @Summary      Render a campaign message for one customer
// @Tags         Campaigns
// @Accept       json
// @Produce      json
// @Param        id       path  string          true  "Campaign ID"
// @Param        request  body  PreviewRequest  true  "Customer and optional template override"
// @Success      200  {object}  PreviewResponse
// @Router       /campaigns/{id}/personalized-preview [post]
func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	var body PreviewRequest
	if err := DecodeBody(r, &body); err != nil {
		WriteError(w, err)
		return
	}

	rendered, err := c.CampaignService.RenderPreview(r.Context(), chi.URLParam(r, "id"), body.CustomerID, body.Channel, body.OverrideTemplate)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, PreviewResponse{
		RenderedMessage: rendered.Body,
		RenderedSubject: rendered.Subject,
		UsedTemplate:    body.OverrideTemplate,
		CustomerID:      body.CustomerID,
		Channel:         body.Channel,
	})
}
