// Package mail is the queue-or-send collaborator: it accepts a recipient,
// subject, and pre-rendered body and persists the message for an external
// delivery worker. Delivery transport is out of scope.
package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"go.tradekit.io/authcore/domain"
)

// Mailer queues pre-rendered messages.
type Mailer struct {
	queue domain.MailQueueRepository
}

// NewMailer creates a Mailer over a mail queue repository.
func NewMailer(queue domain.MailQueueRepository) *Mailer {
	return &Mailer{queue: queue}
}

// Queue persists a message for later delivery.
func (m *Mailer) Queue(ctx context.Context, recipient, subject, body string) error {
	if recipient == "" {
		return fmt.Errorf("mail recipient is required")
	}

	mail := &domain.QueuedMail{
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		Status:    domain.MailStatusQueued,
		QueuedOn:  time.Now().Unix(),
	}

	id, err := m.queue.Insert(ctx, mail)
	if err != nil {
		return fmt.Errorf("failed to queue mail: %w", err)
	}

	log.Debug().Int64("mailID", id).Str("subject", subject).Msg("Mail queued")
	return nil
}
