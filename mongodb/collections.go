package mongodb

import "go.tradekit.io/authcore/domain"

// Collection names.
const (
	SessionsCollection      = domain.TableSessions // Public API sessions
	UsersCollection         = domain.TableUsers    // User accounts
	QueriesCollection       = domain.TableQueries  // Request audit log
	QueryPayloadsCollection = "pa_queries_payload" // Encrypted payload blobs
	MailsQueueCollection    = "mails_queue"        // Outbound mail queue
	CountersCollection      = "counters"           // Numeric id sequences
)
