package domain

// Logical table names, used to diversify checksum stretch cost per record
// keyspace. The storage layer maps them to collections of the same name.
const (
	TableSessions = "pa_sessions"
	TableUsers    = "users"
	TableQueries  = "pa_queries"
)
