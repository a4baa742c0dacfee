package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetPairingEventRetention configures the automatic audit pruning horizon.
func (s *Store) SetPairingEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultPairingEventRetention
	}
	s.pairingEventRetention = retention
}

// LogPairingEvent inserts one pairing audit row and applies retention pruning.
func (s *Store) LogPairingEvent(event PairingEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if err := validateSeverity(event.Severity); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var peerDeviceID *string
	if trimmed := strings.TrimSpace(event.PeerDeviceID); trimmed != "" {
		peerDeviceID = &trimmed
	}

	_, err := s.db.Exec(
		`INSERT INTO pairing_events (
			event_type,
			peer_device_id,
			detail,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(peerDeviceID),
		event.Detail,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert pairing event %q: %w", event.EventType, err)
	}

	if s.pairingEventRetention > 0 {
		cutoff := time.Now().Add(-s.pairingEventRetention).UnixMilli()
		if _, err := s.PrunePairingEvents(cutoff); err != nil {
			return fmt.Errorf("prune pairing events: %w", err)
		}
	}

	return nil
}

// GetPairingEvents returns recent audit rows with optional filtering.
func (s *Store) GetPairingEvents(filter PairingEventFilter) ([]PairingEvent, error) {
	if filter.Severity != "" {
		if err := validateSeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		event_type,
		peer_device_id,
		detail,
		severity,
		timestamp
	FROM pairing_events`)

	where := make([]string, 0, 5)
	args := make([]any, 0, 7)

	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.PeerDeviceID != "" {
		where = append(where, "peer_device_id = ?")
		args = append(args, filter.PeerDeviceID)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get pairing events: %w", err)
	}
	defer rows.Close()

	events := make([]PairingEvent, 0)
	for rows.Next() {
		event, err := scanPairingEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pairing event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairing event rows: %w", err)
	}

	return events, nil
}

// PrunePairingEvents removes audit rows older than cutoffTimestamp.
func (s *Store) PrunePairingEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM pairing_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune pairing events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for pairing event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanPairingEvent(row scanner) (*PairingEvent, error) {
	var (
		event        PairingEvent
		peerDeviceID sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&peerDeviceID,
		&event.Detail,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	if peerDeviceID.Valid {
		event.PeerDeviceID = peerDeviceID.String
	}
	return &event, nil
}
