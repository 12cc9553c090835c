package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dokzlo13/osmwatch/internal/report"
)

// Payload is the JSON document posted to a webhook
type Payload struct {
	RunID          string    `json:"run_id"`
	Title          string    `json:"title"`
	Subject        string    `json:"subject"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Lines          []string  `json:"lines"`
	Body           string    `json:"body"`
	Recipients     []string  `json:"recipients,omitempty"`
	AttachmentName string    `json:"attachment_name,omitempty"`
	Attachment     string    `json:"attachment,omitempty"`
	New            int       `json:"new"`
	Changed        int       `json:"changed"`
	Unchanged      int       `json:"unchanged"`
	Skipped        int       `json:"skipped"`
}

// Webhook posts reports as JSON
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhook creates a webhook deliverer
func NewWebhook(url string, headers map[string]string, timeout time.Duration) *Webhook {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Deliver(ctx context.Context, r *report.Report, recipients []string) error {
	lines := r.Lines
	if lines == nil {
		lines = []string{}
	}
	data, err := json.Marshal(Payload{
		RunID:          r.RunID,
		Title:          r.Title,
		Subject:        r.Subject,
		Start:          r.Start,
		End:            r.End,
		Lines:          lines,
		Body:           r.Body,
		Recipients:     recipients,
		AttachmentName: r.AttachmentName,
		Attachment:     string(r.Attachment),
		New:            r.New,
		Changed:        r.Changed,
		Unchanged:      r.Unchanged,
		Skipped:        r.Skipped,
	})
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
