package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookMailer posts notifications as JSON to an external delivery service
// (the actual mail gateway lives outside this core).
type WebhookMailer struct {
	URL    string
	Secret string
	Client *http.Client
}

func (m WebhookMailer) client() *http.Client {
	if m.Client != nil {
		return m.Client
	}
	return &http.Client{Timeout: defaultWebhookTimeout}
}

func (m WebhookMailer) Send(ctx context.Context, n Notification) error {
	if strings.TrimSpace(m.URL) == "" {
		return fmt.Errorf("webhook mailer: url not configured")
	}
	body := struct {
		Subject     string   `json:"subject"`
		Body        string   `json:"body"`
		Recipient   string   `json:"recipient"`
		CC          []string `json:"cc,omitempty"`
		Attachments []string `json:"attachments,omitempty"`
	}{
		Subject:   n.Subject,
		Body:      n.Body,
		Recipient: n.Recipient,
		CC:        n.CC,
	}
	for _, a := range n.Attachments {
		body.Attachments = append(body.Attachments, a.Name)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(m.Secret) != "" {
		req.Header.Set("X-Pdcaflow-Secret", m.Secret)
	}
	res, err := m.client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
