// Package notifications delivers operator alerts to Slack. Alerting is
// optional: a nil or unconfigured notifier silently drops everything, so
// callers never guard their alert calls.
package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// slackAPI is the slack client surface used by the notifier.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier posts alerts to a Slack channel. Repeated alerts for the same
// subject are throttled so a blocked site does not flood the channel.
type Notifier struct {
	client  slackAPI
	channel string

	mu       sync.Mutex
	lastSent map[string]time.Time
	throttle time.Duration

	now func() time.Time
}

// New creates a Notifier. Returns nil when token or channel is empty;
// a nil Notifier is safe to call and does nothing.
func New(token, channel string) *Notifier {
	if token == "" || channel == "" {
		log.Info().Msg("Slack alerts disabled, no token or channel configured")
		return nil
	}
	return &Notifier{
		client:   slack.New(token),
		channel:  channel,
		lastSent: make(map[string]time.Time),
		throttle: 15 * time.Minute,
		now:      time.Now,
	}
}

// SiteBlocked alerts that a site started serving bot protection.
func (n *Notifier) SiteBlocked(ctx context.Context, siteName, detail string) {
	n.post(ctx, "site-blocked:"+siteName,
		fmt.Sprintf(":no_entry: Site blocked: %s", siteName),
		fmt.Sprintf("Scraping of *%s* is being blocked.\n%s", siteName, detail))
}

// ProxyPoolExhausted alerts that every proxy is cooling down.
func (n *Notifier) ProxyPoolExhausted(ctx context.Context) {
	n.post(ctx, "proxy-pool-exhausted",
		":rotating_light: Proxy pool exhausted",
		"All proxies are blocked or cooling down. Requests are going direct.")
}

// BatchFailed alerts that a batch run ended with an error.
func (n *Notifier) BatchFailed(ctx context.Context, jobID, errMessage string) {
	n.post(ctx, "batch-failed",
		fmt.Sprintf(":x: Batch failed: %s", jobID),
		errMessage)
}

func (n *Notifier) post(ctx context.Context, subject, title, message string) {
	if n == nil {
		return
	}

	n.mu.Lock()
	last, seen := n.lastSent[subject]
	nowTime := n.now()
	if seen && nowTime.Sub(last) < n.throttle {
		n.mu.Unlock()
		return
	}
	n.lastSent[subject] = nowTime
	n.mu.Unlock()

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s*", title), false, false),
			nil, nil,
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", message, false, false),
			nil, nil,
		),
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fmt.Sprintf("%s: %s", title, message), false),
	)
	if err != nil {
		log.Warn().
			Err(err).
			Str("subject", subject).
			Msg("Failed to send Slack alert")
		return
	}

	log.Info().Str("subject", subject).Msg("Slack alert sent")
}
