package controller

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/cartrecovery-backend/internal/errors"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
	"github.com/unclebandit/cartrecovery-backend/internal/service"
	"github.com/unclebandit/cartrecovery-backend/internal/storedata"
)

// DeliveryController serves ad-hoc sends, cooldown lookups, provider callbacks and the
// abandoned-cart listing campaigns are built from.
type DeliveryController struct {
	CampaignService *service.CampaignService
	Carts           storedata.Provider
}

type CooldownResponse struct {
	CustomerID       string        `json:"customer_id"`
	Channel          model.Channel `json:"channel"`
	Blocked          bool          `json:"blocked"`
	RemainingSeconds int64         `json:"remaining_seconds"`
}

// ProviderCallback is the delivery report posted by a messaging provider.
type ProviderCallback struct {
	ProviderRef string `json:"provider_ref"`
	Status      string `json:"status"`
}

// SendMessage godoc
// @Summary      Send one message outside any campaign
// @Description  Subject to the store plan and the per-customer per-channel cooldown.
// @Tags         Sends
// @Accept       json
// @Produce      json
// @Param        message  body  service.SendMessageInput  true  "Message"
// @Success      200  {object}  service.SendMessageResult
// @Failure      403  {object}  ErrorResponse
// @Failure      429  {object}  ErrorResponse
// @Failure      502  {object}  service.SendMessageResult
// @Router       /messages [post]
func (c *DeliveryController) SendMessage(w http.ResponseWriter, r *http.Request) {
	var body service.SendMessageInput
	if err := DecodeBody(r, &body); err != nil {
		WriteError(w, err)
		return
	}

	res, err := c.CampaignService.SendMessage(r.Context(), body)
	if err != nil {
		if res != nil {
			// the provider refused; report the attempt itself
			WriteJSON(w, StatusFor(err), res)
			return
		}
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// CooldownRemaining godoc
// @Summary      Time left before the customer may be messaged again on a channel
// @Tags         Sends
// @Produce      json
// @Param        customerID  path  string  true  "Customer ID"
// @Param        channel     path  string  true  "email, sms or whatsapp"
// @Success      200  {object}  CooldownResponse
// @Router       /cooldowns/{customerID}/{channel} [get]
func (c *DeliveryController) CooldownRemaining(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")
	ch := model.Channel(chi.URLParam(r, "channel"))

	left, err := c.CampaignService.CooldownRemaining(r.Context(), customerID, ch)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, CooldownResponse{
		CustomerID:       customerID,
		Channel:          ch,
		Blocked:          left > 0,
		RemainingSeconds: int64(math.Ceil(left.Seconds())),
	})
}

// ProviderCallback godoc
// @Summary      Record an out-of-band delivery report
// @Tags         Sends
// @Accept       json
// @Produce      json
// @Param        report  body  ProviderCallback  true  "Delivery report"
// @Success      200  {object}  model.RecipientDispatch
// @Failure      404  {object}  ErrorResponse
// @Router       /providers/callbacks [post]
func (c *DeliveryController) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	var body ProviderCallback
	if err := DecodeBody(r, &body); err != nil {
		WriteError(w, err)
		return
	}

	d, err := c.CampaignService.ApplyProviderStatus(r.Context(), body.ProviderRef, body.Status)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

// ListCarts godoc
// @Summary      Abandoned carts of a store
// @Tags         Carts
// @Produce      json
// @Param        storeID        path   string  true   "Store ID"
// @Param        page           query  int     false  "Page (1-based)"
// @Param        page_size      query  int     false  "Page size (max 100)"
// @Param        min_total      query  number  false  "Minimum cart total"
// @Param        max_total      query  number  false  "Maximum cart total"
// @Param        min_age_hours  query  int     false  "Abandoned at least this many hours ago"
// @Param        max_age_hours  query  int     false  "Abandoned at most this many hours ago"
// @Success      200  {object}  ListResponse
// @Router       /stores/{storeID}/carts [get]
func (c *DeliveryController) ListCarts(w http.ResponseWriter, r *http.Request) {
	audience := model.TargetAudience{Mode: model.AudienceFiltered}
	var err error
	if audience.MinCartValue, err = queryFloat(r, "min_total"); err != nil {
		WriteError(w, err)
		return
	}
	if audience.MaxCartValue, err = queryFloat(r, "max_total"); err != nil {
		WriteError(w, err)
		return
	}
	if v := QueryInt(r, "min_age_hours"); v > 0 {
		audience.MinAgeHours = &v
	}
	if v := QueryInt(r, "max_age_hours"); v > 0 {
		audience.MaxAgeHours = &v
	}

	page, pageSize := QueryInt(r, "page"), QueryInt(r, "page_size")
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	f := model.FilterFor(audience, time.Now().UTC())
	f.Offset, f.Limit = (page-1)*pageSize, pageSize
	carts, total, err := c.Carts.AbandonedCarts(r.Context(), chi.URLParam(r, "storeID"), f)
	if err != nil {
		WriteError(w, err)
		return
	}

	totalPages := (total + pageSize - 1) / pageSize
	WriteJSON(w, http.StatusOK, ListResponse{
		Data: carts,
		Pagination: map[string]int{
			"page":        page,
			"page_size":   pageSize,
			"total_count": total,
			"total_pages": totalPages,
		},
	})
}

func queryFloat(r *http.Request, name string) (*float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return nil, appErrors.NewValidation(name, "must be a non-negative number")
	}
	return &v, nil
}
