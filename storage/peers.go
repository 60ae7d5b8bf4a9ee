package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// UpsertKnownPeer pins peer's key on first contact and refreshes its name and
// last-seen time afterwards. The stored key is replaced as given, so callers
// must only pass keys they already trust.
func (s *Store) UpsertKnownPeer(peer KnownPeer) error {
	if peer.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if peer.Ed25519PublicKey == "" {
		return errors.New("ed25519_public_key is required")
	}
	if peer.KeyFingerprint == "" {
		return errors.New("key_fingerprint is required")
	}
	if peer.DisplayName == "" {
		peer.DisplayName = peer.PeerID
	}
	now := nowUnixMilli()
	if peer.FirstSeen == 0 {
		peer.FirstSeen = now
	}
	if peer.LastSeen == 0 {
		peer.LastSeen = now
	}

	_, err := s.db.Exec(
		`INSERT INTO known_peers (
			peer_id,
			display_name,
			ed25519_public_key,
			key_fingerprint,
			first_seen,
			last_seen
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = excluded.display_name,
			ed25519_public_key = excluded.ed25519_public_key,
			key_fingerprint = excluded.key_fingerprint,
			last_seen = excluded.last_seen`,
		peer.PeerID,
		peer.DisplayName,
		peer.Ed25519PublicKey,
		peer.KeyFingerprint,
		peer.FirstSeen,
		peer.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert known peer %q: %w", peer.PeerID, err)
	}
	return nil
}

// GetKnownPeer fetches a pinned peer by ID.
func (s *Store) GetKnownPeer(peerID string) (*KnownPeer, error) {
	row := s.db.QueryRow(
		`SELECT
			peer_id,
			display_name,
			ed25519_public_key,
			key_fingerprint,
			first_seen,
			last_seen
		FROM known_peers
		WHERE peer_id = ?`,
		peerID,
	)

	peer, err := scanKnownPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get known peer %q: %w", peerID, err)
	}
	return peer, nil
}

// ListKnownPeers returns every pinned peer sorted by display name.
func (s *Store) ListKnownPeers() ([]KnownPeer, error) {
	rows, err := s.db.Query(
		`SELECT
			peer_id,
			display_name,
			ed25519_public_key,
			key_fingerprint,
			first_seen,
			last_seen
		FROM known_peers
		ORDER BY display_name, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list known peers: %w", err)
	}
	defer rows.Close()

	peers := make([]KnownPeer, 0)
	for rows.Next() {
		peer, err := scanKnownPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan known peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate known peer rows: %w", err)
	}
	return peers, nil
}

// RemoveKnownPeer forgets a pinned peer.
func (s *Store) RemoveKnownPeer(peerID string) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM known_peers WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("remove known peer %q: %w", peerID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove known peer %q: %w", peerID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PinnedKey returns the pinned base64 Ed25519 key for peerID. Its signature
// matches the handshake's known-key lookup hook.
func (s *Store) PinnedKey(peerID string) (string, bool) {
	var key string
	err := s.db.QueryRow(`SELECT ed25519_public_key FROM known_peers WHERE peer_id = ?`, peerID).Scan(&key)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("pinned key lookup failed", zap.String("peer_id", peerID), zap.Error(err))
		}
		return "", false
	}
	return key, true
}

// RecordKeyChange persists one trusted/rejected decision about a changed key.
func (s *Store) RecordKeyChange(event KeyChangeEvent) error {
	if event.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if event.OldKeyFingerprint == "" || event.NewKeyFingerprint == "" {
		return errors.New("old and new key fingerprints are required")
	}
	if err := validateKeyChangeDecision(event.Decision); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO key_change_events (
			peer_id,
			old_key_fingerprint,
			new_key_fingerprint,
			decision,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.PeerID,
		event.OldKeyFingerprint,
		event.NewKeyFingerprint,
		event.Decision,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert key change event for peer %q: %w", event.PeerID, err)
	}
	return nil
}

// RecentKeyChanges returns key-change history for one peer, newest first.
func (s *Store) RecentKeyChanges(peerID string, limit int) ([]KeyChangeEvent, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT
			id,
			peer_id,
			old_key_fingerprint,
			new_key_fingerprint,
			decision,
			timestamp
		FROM key_change_events
		WHERE peer_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		peerID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get key change events for peer %q: %w", peerID, err)
	}
	defer rows.Close()

	events := make([]KeyChangeEvent, 0)
	for rows.Next() {
		var event KeyChangeEvent
		if err := rows.Scan(
			&event.ID,
			&event.PeerID,
			&event.OldKeyFingerprint,
			&event.NewKeyFingerprint,
			&event.Decision,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan key change event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key change event rows: %w", err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKnownPeer(row scanner) (*KnownPeer, error) {
	var peer KnownPeer
	if err := row.Scan(
		&peer.PeerID,
		&peer.DisplayName,
		&peer.Ed25519PublicKey,
		&peer.KeyFingerprint,
		&peer.FirstSeen,
		&peer.LastSeen,
	); err != nil {
		return nil, err
	}
	return &peer, nil
}
