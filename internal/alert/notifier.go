package alert

import (
	"github.com/containrrr/shoutrrr"

	"github.com/livegate/livegate/backend/internal/logger"
)

// Notifier delivers alert messages to one or more shoutrrr service URLs
// (discord, slack, smtp, generic webhooks). It implements
// gateway.AlertNotifier.
type Notifier struct {
	urls []string
}

// NewNotifier returns a notifier for the configured URLs. An empty list is
// valid and produces a notifier that only logs.
func NewNotifier(urls []string) *Notifier {
	return &Notifier{urls: urls}
}

// Notify sends the message to every configured service. Delivery failures
// are logged and swallowed; alerting never blocks the validation path.
func (n *Notifier) Notify(title, message string) {
	for _, url := range n.urls {
		if err := shoutrrr.Send(url, title+": "+message); err != nil {
			logger.WithComponent("alert").WithError(err).Warn("alert delivery failed")
		}
	}
}
