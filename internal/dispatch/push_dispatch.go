package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/rideshare-core/internal/events"
)

// PushDispatcher delivers over a live WebSocket when the recipient is
// connected and posts to the push gateway for everyone else.
type PushDispatcher struct {
	Endpoint string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushDispatcher(endpoint string, ws *WSRegistry) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

type pushRequest struct {
	UserIDs []string     `json:"user_ids"`
	Event   events.Event `json:"event"`
}

func (p *PushDispatcher) Publish(ctx context.Context, e events.Event) error {
	offline := make([]string, 0, len(e.Recipients))
	for _, userID := range e.Recipients {
		if p.WS != nil {
			if err := p.WS.Send(userID, e); err == nil {
				continue
			}
		}
		offline = append(offline, userID)
	}
	if len(offline) == 0 || p.Endpoint == "" {
		return nil
	}

	b, err := json.Marshal(pushRequest{UserIDs: offline, Event: e})
	if err != nil {
		return fmt.Errorf("marshal push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("push gateway returned " + resp.Status)
	}
	return nil
}
