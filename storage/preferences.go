package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"timerlink/models"
)

// GetPreference returns the stored value for key or ErrNotFound.
func (s *Store) GetPreference(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get preference %q: %w", key, err)
	}
	return value, nil
}

// SetPreference stores value under key, replacing any previous value.
func (s *Store) SetPreference(key, value string) error {
	if key == "" {
		return errors.New("preference key is required")
	}
	_, err := s.db.Exec(
		`INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		value,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set preference %q: %w", key, err)
	}
	return nil
}

// DeletePreference removes key. Deleting a missing key is not an error.
func (s *Store) DeletePreference(key string) error {
	if _, err := s.db.Exec(`DELETE FROM preferences WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete preference %q: %w", key, err)
	}
	return nil
}

// OriginalCommanderID returns the commander a client last joined, or "".
func (s *Store) OriginalCommanderID() (string, error) {
	id, err := s.GetPreference(PrefOriginalCommanderID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return id, err
}

// SetOriginalCommanderID remembers the commander a client joined. An empty ID
// forgets it.
func (s *Store) SetOriginalCommanderID(peerID string) error {
	if peerID == "" {
		return s.DeletePreference(PrefOriginalCommanderID)
	}
	return s.SetPreference(PrefOriginalCommanderID, peerID)
}

// TimerSettings returns the saved settings. ok is false when none were saved.
func (s *Store) TimerSettings() (settings models.TimerSettings, ok bool, err error) {
	raw, err := s.GetPreference(PrefTimerSettings)
	if errors.Is(err, ErrNotFound) {
		return models.TimerSettings{}, false, nil
	}
	if err != nil {
		return models.TimerSettings{}, false, err
	}
	settings, err = models.DecodeTimerSettings([]byte(raw))
	if err != nil {
		return models.TimerSettings{}, false, err
	}
	return settings, true, nil
}

// SaveTimerSettings validates and stores settings.
func (s *Store) SaveTimerSettings(settings models.TimerSettings) error {
	payload, err := models.EncodeTimerSettings(settings)
	if err != nil {
		return err
	}
	return s.SetPreference(PrefTimerSettings, string(payload))
}
