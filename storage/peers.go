package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// TouchPeer records that peerID was seen at address, creating the row on
// first contact. An empty address keeps the previously known one.
func (s *Store) TouchPeer(peerID, address string) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}

	now := nowUnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO peers (peer_id, address, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			address = CASE WHEN excluded.address = '' THEN peers.address ELSE excluded.address END,
			last_seen = excluded.last_seen`,
		peerID,
		address,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("touch peer %q: %w", peerID, err)
	}
	return nil
}

// GetPeer fetches a peer by id.
func (s *Store) GetPeer(peerID string) (*Peer, error) {
	row := s.db.QueryRow(
		`SELECT peer_id, address, first_seen, last_seen
		FROM peers
		WHERE peer_id = ?`,
		peerID,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", peerID, err)
	}
	return peer, nil
}

// ListPeers returns every known peer, most recently seen first.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, address, first_seen, last_seen
		FROM peers
		ORDER BY last_seen DESC, peer_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}
	return peers, nil
}

func scanPeer(row scanner) (*Peer, error) {
	var peer Peer
	if err := row.Scan(&peer.PeerID, &peer.Address, &peer.FirstSeen, &peer.LastSeen); err != nil {
		return nil, err
	}
	return &peer, nil
}
