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
	// TrustStatePaired marks an active trust relationship.
	TrustStatePaired = "paired"
	// TrustStateRevoked marks withdrawn trust.
	TrustStateRevoked = "revoked"
)

const (
	// PairingEventPaired records a completed pairing.
	PairingEventPaired = "pairing_completed"
	// PairingEventAborted records an aborted pairing session.
	PairingEventAborted = "pairing_aborted"
	// PairingEventRevoked records a trust revocation.
	PairingEventRevoked = "trust_revoked"
)

const (
	// SeverityInfo indicates informational audit context.
	SeverityInfo = "info"
	// SeverityWarning indicates potentially suspicious behavior.
	SeverityWarning = "warning"
	// SeverityCritical indicates serious security failures.
	SeverityCritical = "critical"
)

// TrustRecord is the SQLite representation of a pairing outcome.
type TrustRecord struct {
	PeerDeviceID  string
	State         string
	KeyMaterial   []byte
	SAS           string
	EstablishedAt int64
	RevokedAt     *int64
}

// PairingEvent stores one row of the pairing audit log.
type PairingEvent struct {
	ID           int64
	EventType    string
	PeerDeviceID string
	Detail       string
	Severity     string
	Timestamp    int64
}

// PairingEventFilter narrows GetPairingEvents query results.
type PairingEventFilter struct {
	EventType     string
	PeerDeviceID  string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateTrustState(state string) error {
	switch state {
	case TrustStatePaired, TrustStateRevoked:
		return nil
	default:
		return fmt.Errorf("invalid trust state %q", state)
	}
}

func validateSeverity(severity string) error {
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid pairing event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
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
