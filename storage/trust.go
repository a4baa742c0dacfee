package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SaveTrustRecord inserts or replaces the trust record for a peer. Re-pairing
// after revocation overwrites the old row with fresh key material.
func (s *Store) SaveTrustRecord(record TrustRecord) error {
	if strings.TrimSpace(record.PeerDeviceID) == "" {
		return errors.New("peer device ID is required")
	}
	if err := validateTrustState(record.State); err != nil {
		return err
	}
	if len(record.KeyMaterial) == 0 {
		return errors.New("key material is required")
	}
	if record.EstablishedAt == 0 {
		record.EstablishedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO trust_records (
			peer_device_id,
			state,
			key_material,
			sas,
			established_at,
			revoked_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_device_id) DO UPDATE SET
			state = excluded.state,
			key_material = excluded.key_material,
			sas = excluded.sas,
			established_at = excluded.established_at,
			revoked_at = excluded.revoked_at`,
		record.PeerDeviceID,
		record.State,
		record.KeyMaterial,
		record.SAS,
		record.EstablishedAt,
		nullInt64(record.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("save trust record for %q: %w", record.PeerDeviceID, err)
	}

	return nil
}

// GetTrustRecord returns the trust record for one peer.
func (s *Store) GetTrustRecord(peerDeviceID string) (*TrustRecord, error) {
	row := s.db.QueryRow(
		`SELECT
			peer_device_id,
			state,
			key_material,
			sas,
			established_at,
			revoked_at
		FROM trust_records
		WHERE peer_device_id = ?`,
		peerDeviceID,
	)

	record, err := scanTrustRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trust record for %q: %w", peerDeviceID, err)
	}

	return record, nil
}

// GetTrustRecords returns all trust records, most recently established first.
func (s *Store) GetTrustRecords() ([]TrustRecord, error) {
	rows, err := s.db.Query(
		`SELECT
			peer_device_id,
			state,
			key_material,
			sas,
			established_at,
			revoked_at
		FROM trust_records
		ORDER BY established_at DESC, peer_device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("get trust records: %w", err)
	}
	defer rows.Close()

	records := make([]TrustRecord, 0)
	for rows.Next() {
		record, err := scanTrustRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trust record row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trust record rows: %w", err)
	}

	return records, nil
}

// MarkTrustRevoked flips a paired record to revoked and destroys the stored
// key material. Returns ErrNotFound if the peer has no trust record.
func (s *Store) MarkTrustRevoked(peerDeviceID string, revokedAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE trust_records
		SET state = ?, key_material = X'', revoked_at = ?
		WHERE peer_device_id = ?`,
		TrustStateRevoked,
		revokedAt.UnixMilli(),
		peerDeviceID,
	)
	if err != nil {
		return fmt.Errorf("mark trust revoked for %q: %w", peerDeviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for trust revocation: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteTrustRecord removes a peer's trust record entirely.
func (s *Store) DeleteTrustRecord(peerDeviceID string) error {
	res, err := s.db.Exec(`DELETE FROM trust_records WHERE peer_device_id = ?`, peerDeviceID)
	if err != nil {
		return fmt.Errorf("delete trust record for %q: %w", peerDeviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for trust record delete: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanTrustRecord(row scanner) (*TrustRecord, error) {
	var (
		record    TrustRecord
		revokedAt sql.NullInt64
	)
	if err := row.Scan(
		&record.PeerDeviceID,
		&record.State,
		&record.KeyMaterial,
		&record.SAS,
		&record.EstablishedAt,
		&revokedAt,
	); err != nil {
		return nil, err
	}

	record.RevokedAt = int64Ptr(revokedAt)
	return &record, nil
}
