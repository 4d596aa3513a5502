package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	appErrors "github.com/unclebandit/cartrecovery-backend/internal/errors"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

func TestDispatchSuccess(t *testing.T) {
	d := NewDispatcher(time.Second)
	var got Rendered
	d.Register(model.ChannelSMS, AdapterFunc(func(_ context.Context, to string, msg Rendered) (string, error) {
		got = msg
		return "ref-1", nil
	}))

	res := d.Dispatch(context.Background(), model.ChannelSMS, "+254700000001", Rendered{Body: "hi"})
	assert.True(t, res.OK())
	assert.Equal(t, "ref-1", res.ProviderRef)
	assert.Equal(t, "hi", got.Body)
}

func TestDispatchProviderError(t *testing.T) {
	d := NewDispatcher(time.Second)
	d.Register(model.ChannelEmail, AdapterFunc(func(context.Context, string, Rendered) (string, error) {
		return "", errors.New("mailbox full")
	}))

	res := d.Dispatch(context.Background(), model.ChannelEmail, "a@b.c", Rendered{})
	assert.Equal(t, model.DeliveryFailed, res.Status)
	var pe *appErrors.ProviderError
	require.ErrorAs(t, res.Err, &pe)
	assert.Equal(t, "email", pe.Channel)
}

func TestDispatchTimeoutIsFailure(t *testing.T) {
	d := NewDispatcher(20 * time.Millisecond)
	d.Register(model.ChannelWhatsApp, AdapterFunc(func(ctx context.Context, _ string, _ Rendered) (string, error) {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return "late", nil
	}))

	res := d.Dispatch(context.Background(), model.ChannelWhatsApp, "+1", Rendered{})
	assert.Equal(t, model.DeliveryFailed, res.Status)
	assert.Contains(t, res.Err.Error(), "timed out")
}

func TestDispatchRecoversPanic(t *testing.T) {
	d := NewDispatcher(time.Second)
	d.Register(model.ChannelSMS, AdapterFunc(func(context.Context, string, Rendered) (string, error) {
		panic("boom")
	}))

	res := d.Dispatch(context.Background(), model.ChannelSMS, "+1", Rendered{})
	assert.Equal(t, model.DeliveryFailed, res.Status)
	assert.Contains(t, res.Err.Error(), "boom")
}

func TestDispatchUnknownChannelOrAddress(t *testing.T) {
	d := NewDispatcher(time.Second)
	res := d.Dispatch(context.Background(), model.ChannelSMS, "+1", Rendered{})
	assert.Equal(t, model.DeliveryFailed, res.Status)

	d.Register(model.ChannelSMS, AdapterFunc(func(context.Context, string, Rendered) (string, error) {
		return "x", nil
	}))
	res = d.Dispatch(context.Background(), model.ChannelSMS, "", Rendered{})
	assert.Equal(t, model.DeliveryFailed, res.Status)
}

type fakeMailer struct {
	sent []*gomail.Message
	err  error
}

func (f *fakeMailer) DialAndSend(m ...*gomail.Message) error {
	f.sent = append(f.sent, m...)
	return f.err
}

func TestSMTPAdapter(t *testing.T) {
	mailer := &fakeMailer{}
	a := &SMTPAdapter{From: "shop@example.com", Sender: mailer, Domain: "example.com"}

	ref, err := a.Send(context.Background(), "jane@example.com", Rendered{Subject: "Your cart", Body: "Come back"})
	require.NoError(t, err)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{"jane@example.com"}, mailer.sent[0].GetHeader("To"))
	assert.Equal(t, []string{"Your cart"}, mailer.sent[0].GetHeader("Subject"))
	assert.Equal(t, []string{ref}, mailer.sent[0].GetHeader("Message-ID"))

	mailer.err = errors.New("550")
	_, err = a.Send(context.Background(), "jane@example.com", Rendered{})
	assert.Error(t, err)
}

func TestGatewayAdapter(t *testing.T) {
	var got gatewayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.To == "+0" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(gatewayResponse{Error: "invalid number"})
			return
		}
		_ = json.NewEncoder(w).Encode(gatewayResponse{ID: "gw-42"})
	}))
	defer srv.Close()

	a := NewGatewayAdapter(srv.URL, "secret", model.ChannelWhatsApp)
	ref, err := a.Send(context.Background(), "+254700000001", Rendered{Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "gw-42", ref)
	assert.Equal(t, model.ChannelWhatsApp, got.Channel)
	assert.Equal(t, "hello", got.Body)

	_, err = a.Send(context.Background(), "+0", Rendered{Body: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid number")
}

func TestLogAdapterSuccessRate(t *testing.T) {
	ok := NewLogAdapter(model.ChannelSMS, 1, 1)
	ref, err := ok.Send(context.Background(), "+1", Rendered{Body: "x"})
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	never := NewLogAdapter(model.ChannelSMS, 0, 1)
	_, err = never.Send(context.Background(), "+1", Rendered{Body: "x"})
	assert.Error(t, err)
}
