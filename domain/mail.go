package domain

// Mail queue statuses.
const (
	MailStatusQueued  = "queued"
	MailStatusSending = "sending"
	MailStatusSent    = "sent"
	MailStatusFailed  = "failed"
)

// QueuedMail is one pre-rendered message handed to the mail collaborator.
// Delivery transport is out of scope; the core only queues.
type QueuedMail struct {
	ID        int64  `json:"id"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Status    string `json:"status"`
	QueuedOn  int64  `json:"queuedOn"`
	Attempts  int    `json:"attempts"`
}
