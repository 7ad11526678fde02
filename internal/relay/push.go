package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clharman/afkbot/internal/database"
)

// PushSender delivers a notification to a set of device tokens.
// Delivery is best-effort; callers log and move on.
type PushSender interface {
	Send(ctx context.Context, tokens []database.PushToken, title, body string) error
}

type pushTarget struct {
	Token    string `json:"token"`
	Platform string `json:"platform,omitempty"`
}

type pushPayload struct {
	Tokens []pushTarget `json:"tokens"`
	Title  string       `json:"title"`
	Body   string       `json:"body"`
}

// GatewayPush posts notifications to an external push gateway that
// fans out to APNs/FCM. An empty URL disables pushes.
type GatewayPush struct {
	url    string
	client *http.Client
}

func NewGatewayPush(url string) *GatewayPush {
	return &GatewayPush{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *GatewayPush) Send(ctx context.Context, tokens []database.PushToken, title, body string) error {
	if g.url == "" || len(tokens) == 0 {
		return nil
	}

	payload := pushPayload{Title: title, Body: body}
	for _, t := range tokens {
		payload.Tokens = append(payload.Tokens, pushTarget{Token: t.Token, Platform: t.Platform})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway returned %s", resp.Status)
	}
	return nil
}
