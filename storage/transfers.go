package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const transferColumns = `
			transfer_id,
			direction,
			peer_id,
			file_name,
			mime_type,
			file_size,
			total_chunks,
			status,
			digest,
			error,
			started_at,
			finished_at`

// SaveTransfer inserts a new transfer row.
func (s *Store) SaveTransfer(transfer Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if transfer.FileName == "" {
		return errors.New("file_name is required")
	}
	if transfer.TotalChunks < 1 {
		return errors.New("total_chunks must be >= 1")
	}
	if err := ValidateDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.Status == "" {
		transfer.Status = StatusPending
	}
	if err := validateStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.MimeType == "" {
		transfer.MimeType = "application/octet-stream"
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.Direction,
		transfer.PeerID,
		transfer.FileName,
		transfer.MimeType,
		transfer.FileSize,
		transfer.TotalChunks,
		transfer.Status,
		transfer.Digest,
		transfer.Error,
		transfer.StartedAt,
		nullInt64(transfer.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q (%s): %w", transfer.TransferID, transfer.Direction, err)
	}

	return nil
}

// UpdateTransferStatus moves a transfer to status. Terminal statuses also
// stamp finished_at.
func (s *Store) UpdateTransferStatus(transferID, direction, status, digest, errMsg string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := ValidateDirection(direction); err != nil {
		return err
	}
	if err := validateStatus(status); err != nil {
		return err
	}

	var finishedAt *int64
	if status != StatusPending {
		now := nowUnixMilli()
		finishedAt = &now
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, digest = ?, error = ?, finished_at = ?
		WHERE transfer_id = ? AND direction = ?`,
		status,
		digest,
		errMsg,
		nullInt64(finishedAt),
		transferID,
		direction,
	)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transferID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer status %q: %w", transferID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateTransferSize sets file_size once it is known.
func (s *Store) UpdateTransferSize(transferID, direction string, size int64) error {
	if size < 0 {
		return errors.New("file_size must be >= 0")
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET file_size = ?
		WHERE transfer_id = ? AND direction = ?`,
		size,
		transferID,
		direction,
	)
	if err != nil {
		return fmt.Errorf("update transfer size %q: %w", transferID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer size %q: %w", transferID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetTransfer fetches one transfer by id and direction.
func (s *Store) GetTransfer(transferID, direction string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE transfer_id = ? AND direction = ?`,
		transferID,
		direction,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}

	return transfer, nil
}

// ListTransfers returns transfers newest first. An empty direction lists both.
func (s *Store) ListTransfers(direction string) ([]Transfer, error) {
	query := `SELECT` + transferColumns + `
		FROM transfers`
	var args []any
	if direction != "" {
		if err := ValidateDirection(direction); err != nil {
			return nil, err
		}
		query += ` WHERE direction = ?`
		args = append(args, direction)
	}
	query += ` ORDER BY started_at DESC, transfer_id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}

// ListTransfersByPeer returns one peer's transfers newest first.
func (s *Store) ListTransfersByPeer(peerID string) ([]Transfer, error) {
	rows, err := s.db.Query(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE peer_id = ?
		ORDER BY started_at DESC, transfer_id ASC`,
		peerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers for peer %q: %w", peerID, err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}

// FailPendingTransfers marks every pending row failed with errMsg. It is run
// at startup, since nothing in flight survives a restart.
func (s *Store) FailPendingTransfers(errMsg string) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, error = ?, finished_at = ?
		WHERE status = ?`,
		StatusFailed,
		errMsg,
		nowUnixMilli(),
		StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("fail pending transfers: %w", err)
	}
	return res.RowsAffected()
}

func scanTransfer(row scanner) (*Transfer, error) {
	var (
		transfer   Transfer
		finishedAt sql.NullInt64
	)

	if err := row.Scan(
		&transfer.TransferID,
		&transfer.Direction,
		&transfer.PeerID,
		&transfer.FileName,
		&transfer.MimeType,
		&transfer.FileSize,
		&transfer.TotalChunks,
		&transfer.Status,
		&transfer.Digest,
		&transfer.Error,
		&transfer.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	transfer.FinishedAt = int64Ptr(finishedAt)

	return &transfer, nil
}
