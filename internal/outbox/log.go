package outbox

import (
	"context"

	"github.com/worknow/newsletter/internal/pkg/logger"
)

// LogPublisher writes messages to the log instead of a queue. Bodies are
// only logged at debug level.
type LogPublisher struct{}

// Publish logs each message.
func (LogPublisher) Publish(_ context.Context, msgs ...Message) error {
	for _, m := range msgs {
		logger.Info("outbox message", "component", "outbox",
			"kind", string(m.Kind), "email", m.To, "subject", m.Subject, "message_id", m.ID)
		logger.Debug("outbox message body", "component", "outbox", "message_id", m.ID, "body", m.Body)
	}
	return nil
}
