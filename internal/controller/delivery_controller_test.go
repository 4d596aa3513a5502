package controller_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/cartrecovery-backend/internal/controller"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
	"github.com/unclebandit/cartrecovery-backend/internal/service"
)

func TestSendMessageThenCooldown(t *testing.T) {
	f := newFixture(t, "pro")
	msg := map[string]interface{}{
		"store_id":    "store-1",
		"customer_id": "alice",
		"channel":     "email",
		"subject":     "Hi {{first_name}}",
		"body":        "Your cart at {{store_name}}",
	}

	w := f.do(t, http.MethodPost, "/messages", msg)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res service.SendMessageResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, model.DeliverySent, res.Status)
	assert.Equal(t, "ref-alice@example.com", res.ProviderRef)

	w = f.do(t, http.MethodPost, "/messages", msg)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Equal(t, int((24 * time.Hour).Seconds()), retry)

	w = f.do(t, http.MethodGet, "/cooldowns/alice/email", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cd controller.CooldownResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&cd))
	assert.True(t, cd.Blocked)
	assert.Equal(t, int64(24*3600), cd.RemainingSeconds)

	w = f.do(t, http.MethodGet, "/cooldowns/alice/sms", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&cd))
	assert.False(t, cd.Blocked)

	w = f.do(t, http.MethodGet, "/cooldowns/alice/pigeon", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessageProviderFailure(t *testing.T) {
	f := newFixture(t, "pro")
	w := f.do(t, http.MethodPost, "/messages", map[string]interface{}{
		"store_id":    "store-1",
		"customer_id": "alice",
		"channel":     "email",
		"to":          "bounce@example.com",
		"body":        "hello",
	})
	require.Equal(t, http.StatusBadGateway, w.Code)
	var res service.SendMessageResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, model.DeliveryFailed, res.Status)
	assert.Contains(t, res.Error, "mailbox unavailable")

	// a failed send starts no cooldown
	left, err := f.ledger.Remaining(context.Background(), "alice", model.ChannelEmail, now)
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestSendMessagePlanRestricted(t *testing.T) {
	f := newFixture(t, "starter")
	w := f.do(t, http.MethodPost, "/messages", map[string]interface{}{
		"store_id":    "store-1",
		"customer_id": "alice",
		"channel":     "sms",
		"body":        "hello",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestProviderCallback(t *testing.T) {
	f := newFixture(t, "pro")
	c := f.createCampaign(t, "Callbacks")
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/campaigns/"+c.ID+"/send-now", nil).Code)
	f.svc.Wait()

	w := f.do(t, http.MethodPost, "/providers/callbacks", controller.ProviderCallback{ProviderRef: "ref-alice@example.com", Status: "failed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var d model.RecipientDispatch
	require.NoError(t, json.NewDecoder(w.Body).Decode(&d))
	assert.Equal(t, model.DeliveryFailed, d.Status)
	assert.Equal(t, "failed", d.ProviderStatus)

	w = f.do(t, http.MethodPost, "/providers/callbacks", controller.ProviderCallback{ProviderRef: "unknown", Status: "delivered"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/providers/callbacks", controller.ProviderCallback{ProviderRef: "ref-alice@example.com", Status: "exploded"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListCarts(t *testing.T) {
	f := newFixture(t, "pro")

	w := f.do(t, http.MethodGet, "/stores/store-1/carts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Data       []model.AbandonedCart `json:"data"`
		Pagination map[string]int        `json:"pagination"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	require.Len(t, res.Data, 1)
	assert.Equal(t, "alice", res.Data[0].CustomerID)
	assert.Equal(t, 1, res.Pagination["total_pages"])

	w = f.do(t, http.MethodGet, "/stores/store-1/carts?min_total=100", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Empty(t, res.Data)

	w = f.do(t, http.MethodGet, "/stores/store-1/carts?max_total=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
