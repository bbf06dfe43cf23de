package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"keepsched/internal/obligation"
)

const defaultBrevoURL = "https://api.brevo.com/v3/smtp/email"

type BrevoConfig struct {
	APIKey      string
	BaseURL     string
	SenderEmail string
	SenderName  string
	// Templates maps a template kind (e.g. "reminder") to a Brevo template id.
	// Kinds without an id are sent as plain text built from the params.
	Templates map[string]int64
	Timeout   time.Duration
}

// BrevoTransport sends transactional email through the Brevo HTTP API.
type BrevoTransport struct {
	cfg    BrevoConfig
	client *http.Client
}

func NewBrevo(cfg BrevoConfig, client *http.Client) (*BrevoTransport, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("brevo: api key is required")
	}
	if strings.TrimSpace(cfg.SenderEmail) == "" {
		return nil, errors.New("brevo: sender email is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBrevoURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &BrevoTransport{cfg: cfg, client: client}, nil
}

func (b *BrevoTransport) Name() string { return "brevo" }

type brevoAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoRequest struct {
	Sender      brevoAddress      `json:"sender"`
	To          []brevoAddress    `json:"to"`
	TemplateID  int64             `json:"templateId,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	TextContent string            `json:"textContent,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
}

type brevoError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (b *BrevoTransport) Send(ctx context.Context, m Message) error {
	req := brevoRequest{
		Sender: brevoAddress{Email: b.cfg.SenderEmail, Name: b.cfg.SenderName},
		To:     []brevoAddress{{Email: m.To.Email, Name: m.To.Name}},
		Tags:   []string{string(m.Template)},
	}
	if id := b.cfg.Templates[string(m.Template)]; id > 0 {
		req.TemplateID = id
		req.Params = m.Params
	} else {
		req.Subject, req.TextContent = renderPlain(m)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return &PermanentError{Err: err}
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Err: err}
	}
	hreq.Header.Set("api-key", b.cfg.APIKey)
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(hreq)
	if err != nil {
		return fmt.Errorf("brevo: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var be brevoError
	_ = json.Unmarshal(raw, &be)
	err = fmt.Errorf("brevo: status %d: %s %s", resp.StatusCode, be.Code, be.Message)
	// 4xx other than rate limiting will not succeed on retry.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return &PermanentError{Err: err}
	}
	return err
}

// renderPlain builds a subject and text body for kinds without a template.
func renderPlain(m Message) (subject, text string) {
	p := m.Params
	switch m.Template {
	case obligation.TemplateReminder:
		subject = "Reminder: " + p["title"]
		text = fmt.Sprintf("Your note %q is due (%s).", p["title"], p["due_at"])
	case obligation.TemplateSubscriptionRenewed:
		subject = "Your Keep subscription was renewed"
		text = fmt.Sprintf("Your %s plan was renewed until %s.", p["plan"], p["expiry"])
	case obligation.TemplateSubscriptionPastDue:
		subject = "Payment failed for your Keep subscription"
		text = fmt.Sprintf("We could not charge your %s plan. Please update your payment method.", p["plan"])
	case obligation.TemplateSubscriptionEnded:
		subject = "Your Keep subscription has ended"
		text = "Your subscription is no longer active."
	default:
		subject = string(m.Template)
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, p[k])
		}
		text = b.String()
	}
	return subject, text
}
