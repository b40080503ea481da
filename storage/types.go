package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// DirectionSend marks a transfer this node sent.
	DirectionSend = "send"
	// DirectionReceive marks a transfer this node received.
	DirectionReceive = "receive"
)

const (
	// StatusPending is a transfer still in flight.
	StatusPending = "pending"
	// StatusComplete is a transfer that finished successfully.
	StatusComplete = "complete"
	// StatusFailed is a transfer that ended with an error.
	StatusFailed = "failed"
)

// Transfer is the SQLite representation of one send or receive.
type Transfer struct {
	TransferID  string
	Direction   string
	PeerID      string
	FileName    string
	MimeType    string
	FileSize    int64
	TotalChunks int
	Status      string
	Digest      string
	Error       string
	StartedAt   int64
	FinishedAt  *int64
}

// Peer is the SQLite representation of a remote node this node has talked to.
type Peer struct {
	PeerID    string
	Address   string
	FirstSeen int64
	LastSeen  int64
}

type scanner interface {
	Scan(dest ...any) error
}

// ValidateDirection reports whether direction is a known transfer direction.
func ValidateDirection(direction string) error {
	switch direction {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateStatus(status string) error {
	switch status {
	case StatusPending, StatusComplete, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
