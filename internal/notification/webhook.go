package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"smc-signal-engine/internal/confluence"
	"smc-signal-engine/internal/market"
	"smc-signal-engine/internal/signal"
)

// ErrRateLimited is returned when Discord answers 429
var ErrRateLimited = errors.New("discord webhook rate limited")

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string           `json:"webhook_url" yaml:"webhook_url" validate:"omitempty,url"`
	Enabled    bool             `json:"enabled" yaml:"enabled"`
	Username   string           `json:"username" yaml:"username" default:"SMC Signals"`
	MinGrade   confluence.Grade `json:"min_grade" yaml:"min_grade" default:"B"` // signals below this grade are not posted
}

// grade colours, bright to dull
var gradeColors = map[confluence.Grade]int{
	confluence.GradeAPlus: 0x1ABC9C,
	confluence.GradeA:     0x2ECC71,
	confluence.GradeB:     0xF1C40F,
}

const (
	colorShort = 0xE67E22
	colorError = 0xE74C3C
	maxReasons = 6
)

// DiscordNotifier posts signal embeds to a Discord webhook
type DiscordNotifier struct {
	cfg     DiscordConfig
	enabled bool
	client  *http.Client
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(cfg DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		cfg:     cfg,
		enabled: cfg.Enabled && cfg.WebhookURL != "",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(ctx context.Context, n *Notification) error {
	if !d.enabled {
		return nil
	}
	if s := n.Signal; s != nil && d.cfg.MinGrade != "" && !s.Grade.AtLeast(d.cfg.MinGrade) {
		return nil
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{discordEmbed(n)},
	}
	if d.cfg.Username != "" {
		payload["username"] = d.cfg.Username
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w, retry after %ss", ErrRateLimited, resp.Header.Get("Retry-After"))
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent:
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}

// discordEmbed lays a signal out as entry/stop/target fields. Errors and
// outcomes are a plain title and description.
func discordEmbed(n *Notification) map[string]interface{} {
	embed := map[string]interface{}{
		"title":       n.Title,
		"description": n.Message,
		"timestamp":   n.Timestamp.UTC().Format(time.RFC3339),
	}

	s := n.Signal
	if s == nil {
		if n.Type == NotifyError {
			embed["color"] = colorError
		}
		return embed
	}

	color, ok := gradeColors[s.Grade]
	if !ok || s.Direction == market.Short {
		color = colorShort
	}
	embed["color"] = color

	price := func(v float64) string {
		return fmt.Sprintf("%.*f", market.PriceDecimals(s.Instrument), v)
	}
	fields := []map[string]interface{}{
		{"name": "Grade", "value": fmt.Sprintf("%s (%d pts)", s.Grade, s.Score), "inline": true},
		{"name": "Confidence", "value": fmt.Sprintf("%.1f%%", s.Confidence), "inline": true},
		{"name": "Phase", "value": s.PhaseName, "inline": true},
		{"name": "Entry", "value": price(s.Entry), "inline": true},
		{"name": "Stop", "value": fmt.Sprintf("%s (%.1f pips)", price(s.StopLoss), s.SLPips), "inline": true},
		{"name": "Target", "value": fmt.Sprintf("%s (%.2fR, %s)", price(s.TakeProfit), s.RiskReward, s.TargetSource), "inline": true},
	}
	if reasons := signalReasons(s); reasons != "" {
		fields = append(fields, map[string]interface{}{"name": "Confluence", "value": reasons})
	}
	embed["fields"] = fields
	embed["footer"] = map[string]interface{}{"text": s.ID}
	return embed
}

func signalReasons(s *signal.TradingSignal) string {
	reasons := s.Reasons
	if len(reasons) > maxReasons {
		reasons = reasons[:maxReasons]
	}
	return strings.Join(reasons, "\n")
}
