package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})
	return store
}

func mustPinPeer(t *testing.T, store *Store, peerID, name string) {
	t.Helper()

	err := store.UpsertKnownPeer(KnownPeer{
		PeerID:           peerID,
		DisplayName:      name,
		Ed25519PublicKey: "base64-public-key-" + peerID,
		KeyFingerprint:   "fingerprint-" + peerID,
	})
	if err != nil {
		t.Fatalf("pin peer %q: %v", peerID, err)
	}
}
