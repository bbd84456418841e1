package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"rankdelivery/internal/domain"
)

const (
	colorCreated   = 0x00ff00
	colorCompleted = 0x00d4ff
	colorFailed    = 0xff0000

	embedFooter = "NineSMP Delivery System"

	// Matches the en-US locale string operators are used to.
	displayLayout = "1/2/2006, 3:04:05 PM"
)

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
	Timestamp string `json:"timestamp"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

type Discord struct {
	webhookURL string
	location   *time.Location
	client     *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// NewDiscord posts embeds to webhookURL. Times in the embed body are rendered
// in loc; a nil loc means UTC.
func NewDiscord(webhookURL string, loc *time.Location, client *http.Client, logger *zap.Logger) *Discord {
	if loc == nil {
		loc = time.UTC
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Discord{
		webhookURL: webhookURL,
		location:   loc,
		client:     client,
		logger:     logger,
		now:        time.Now,
	}
}

func (n *Discord) NotifyCreated(ctx context.Context, d domain.Delivery) bool {
	e := n.newEmbed("🎁 New Rank Delivery", "A new delivery has been created and is pending execution.", colorCreated)
	e.Fields = []embedField{
		{Name: "👤 Username", Value: d.Username, Inline: true},
		{Name: "🖥️ Platform", Value: strings.ToUpper(string(d.Platform)), Inline: true},
		{Name: "📦 Package", Value: d.Package, Inline: true},
		{Name: "⏰ Created At", Value: n.display(d.CreatedAt)},
	}
	return n.post(ctx, domain.DeliveryEventCreated, d.ID, e)
}

func (n *Discord) NotifyCompleted(ctx context.Context, d domain.Delivery) bool {
	e := n.newEmbed("✅ Delivery Completed", "A rank delivery has been successfully executed.", colorCompleted)
	executed := "-"
	if d.ExecutedAt != nil {
		executed = n.display(*d.ExecutedAt)
	}
	e.Fields = []embedField{
		{Name: "👤 Username", Value: d.Username, Inline: true},
		{Name: "📦 Package", Value: d.Package, Inline: true},
		{Name: "⏰ Executed At", Value: executed},
	}
	return n.post(ctx, domain.DeliveryEventCompleted, d.ID, e)
}

func (n *Discord) NotifyFailed(ctx context.Context, d domain.Delivery) bool {
	e := n.newEmbed("❌ Delivery Failed", "A rank delivery has failed to execute.", colorFailed)
	reason := domain.DefaultFailureMessage
	if d.ErrorMessage != nil {
		reason = domain.FailureMessage(*d.ErrorMessage)
	}
	e.Fields = []embedField{
		{Name: "👤 Username", Value: d.Username, Inline: true},
		{Name: "📦 Package", Value: d.Package, Inline: true},
		{Name: "❌ Error", Value: reason},
	}
	return n.post(ctx, domain.DeliveryEventFailed, d.ID, e)
}

func (n *Discord) newEmbed(title, description string, color int) embed {
	e := embed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   n.now().UTC().Format(time.RFC3339),
	}
	e.Footer.Text = embedFooter
	return e
}

func (n *Discord) display(t time.Time) string {
	return t.In(n.location).Format(displayLayout)
}

func (n *Discord) post(ctx context.Context, event domain.DeliveryEvent, id string, e embed) bool {
	if n.webhookURL == "" {
		n.logger.Warn("Discord webhook URL not configured")
		return false
	}
	if err := n.send(ctx, webhookPayload{Embeds: []embed{e}}); err != nil {
		n.logger.Error("Failed to send Discord webhook",
			zap.String("event", string(event)),
			zap.String("delivery_id", id),
			zap.Error(err),
		)
		return false
	}
	n.logger.Info("Discord notification sent",
		zap.String("event", string(event)),
		zap.String("delivery_id", id),
	)
	return true
}

func (n *Discord) send(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
