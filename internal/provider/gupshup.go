package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Cypherspark/message-scheduler/internal/core"
	"github.com/pkg/errors"
)

type GupshupConfig struct {
	URL     string
	APIKey  string
	Source  string
	AppName string
	Timeout time.Duration
}

// Gupshup submits messages to a Gupshup-style messaging API: a form-encoded
// POST authenticated with an apikey header.
type Gupshup struct {
	cfg    GupshupConfig
	client *http.Client
}

func NewGupshup(cfg GupshupConfig) *Gupshup {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gupshup{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type gupshupResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
}

func (g *Gupshup) Submit(ctx context.Context, m core.Message) (core.GatewayResult, error) {
	form := url.Values{}
	form.Set("channel", string(m.Channel))
	form.Set("source", g.cfg.Source)
	form.Set("destination", m.Recipient)
	form.Set("message", m.Content)
	form.Set("src.name", g.cfg.AppName)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return core.GatewayResult{}, permanent("invalid gateway request", errors.Wrap(err, "build request"))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", g.cfg.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return core.GatewayResult{}, temporary("timeout", ctx.Err())
		}
		return core.GatewayResult{}, temporary("gateway unreachable", errors.Wrap(err, "http post"))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return core.GatewayResult{}, permanent("gateway authentication failed", statusErr(resp.StatusCode, body))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return core.GatewayResult{}, temporary("gateway unavailable", statusErr(resp.StatusCode, body))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return core.GatewayResult{}, permanent("gateway rejected message", statusErr(resp.StatusCode, body))
	}

	var gr gupshupResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return core.GatewayResult{}, permanent("undecodable gateway response", errors.Wrapf(err, "decode body=%q", string(body)))
	}
	if gr.Status != "submitted" {
		return core.GatewayResult{}, permanent("gateway rejected message", fmt.Errorf("status=%q message=%q", gr.Status, gr.Message))
	}
	if gr.MessageID == "" {
		return core.GatewayResult{}, permanent("undecodable gateway response", fmt.Errorf("missing messageId in body=%q", string(body)))
	}
	return core.GatewayResult{ProviderReference: gr.MessageID, Status: core.StatusSent}, nil
}

func statusErr(code int, body []byte) error {
	return fmt.Errorf("unexpected status code: %d body=%q", code, string(body))
}
