package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// KeyChangeTrusted means a presented replacement key was accepted.
	KeyChangeTrusted = "trusted"
	// KeyChangeRejected means a presented replacement key was refused.
	KeyChangeRejected = "rejected"
)

// Preference keys used by the coordinator.
const (
	PrefOriginalCommanderID = "original_commander_id"
	PrefTimerSettings       = "timer_settings"
)

// KnownPeer is a peer whose identity key has been pinned on first contact.
type KnownPeer struct {
	PeerID           string
	DisplayName      string
	Ed25519PublicKey string
	KeyFingerprint   string
	FirstSeen        int64
	LastSeen         int64
}

// KeyChangeEvent records one trust decision about a changed peer key.
type KeyChangeEvent struct {
	ID                int64
	PeerID            string
	OldKeyFingerprint string
	NewKeyFingerprint string
	Decision          string
	Timestamp         int64
}

func validateKeyChangeDecision(decision string) error {
	switch decision {
	case KeyChangeTrusted, KeyChangeRejected:
		return nil
	default:
		return fmt.Errorf("invalid key change decision %q", decision)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
