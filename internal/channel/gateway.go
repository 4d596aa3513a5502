package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// GatewayAdapter posts sms and whatsapp messages to an HTTP messaging gateway:
//
//	POST {URL} {"channel":"sms","to":"+2547...","body":"..."}  ->  {"id":"..."}
type GatewayAdapter struct {
	URL     string
	Token   string
	Channel model.Channel
	Client  *http.Client
}

func NewGatewayAdapter(url, token string, ch model.Channel) *GatewayAdapter {
	return &GatewayAdapter{URL: url, Token: token, Channel: ch, Client: &http.Client{}}
}

type gatewayRequest struct {
	Channel model.Channel `json:"channel"`
	To      string        `json:"to"`
	Body    string        `json:"body"`
}

type gatewayResponse struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

func (a *GatewayAdapter) Send(ctx context.Context, to string, msg Rendered) (string, error) {
	payload, err := json.Marshal(gatewayRequest{Channel: a.Channel, To: to, Body: msg.Body})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out gatewayResponse
	_ = json.Unmarshal(body, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Error != "" {
			return "", fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, out.Error)
		}
		return "", fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return out.ID, nil
}
