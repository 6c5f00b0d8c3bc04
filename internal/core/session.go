package core

// SessionID identifies one store-service connection.
type SessionID string
