package models

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// TimerSettings is the commander payload pushed to clients.
type TimerSettings struct {
	SetTimeSeconds          int    `json:"set_time"`
	WarningThresholdSeconds int    `json:"warning_threshold"`
	FinalThresholdSeconds   int    `json:"final_threshold"`
	ColorIndex              int    `json:"color"`
	CompletionSound         string `json:"completion_sound"`
}

// Validate checks threshold ordering: final <= warning <= set time.
func (s TimerSettings) Validate() error {
	if s.SetTimeSeconds < 0 || s.WarningThresholdSeconds < 0 || s.FinalThresholdSeconds < 0 {
		return errors.New("timer settings must not be negative")
	}
	if s.WarningThresholdSeconds > s.SetTimeSeconds {
		return fmt.Errorf("warning threshold %ds exceeds set time %ds", s.WarningThresholdSeconds, s.SetTimeSeconds)
	}
	if s.FinalThresholdSeconds > s.WarningThresholdSeconds {
		return fmt.Errorf("final threshold %ds exceeds warning threshold %ds", s.FinalThresholdSeconds, s.WarningThresholdSeconds)
	}
	return nil
}

// EncodeTimerSettings serializes settings into the opaque wire blob.
func EncodeTimerSettings(s TimerSettings) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal timer settings: %w", err)
	}
	return payload, nil
}

// DecodeTimerSettings parses a blob produced by EncodeTimerSettings.
func DecodeTimerSettings(payload []byte) (TimerSettings, error) {
	var s TimerSettings
	if err := json.Unmarshal(payload, &s); err != nil {
		return TimerSettings{}, fmt.Errorf("decode timer settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return TimerSettings{}, err
	}
	return s, nil
}
