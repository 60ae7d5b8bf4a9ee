package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"timerlink/crypto"
	"timerlink/models"
	"timerlink/role"
	"timerlink/session"
	"timerlink/storage"
)

// settingsStore is the part of storage.Store the coordinator needs.
type settingsStore interface {
	TimerSettings() (models.TimerSettings, bool, error)
	SaveTimerSettings(models.TimerSettings) error
	SetOriginalCommanderID(peerID string) error
	UpsertKnownPeer(peer storage.KnownPeer) error
}

// coordinator owns the running role and is its delegate. Every method runs on
// the dispatch queue, including handleLine.
type coordinator struct {
	identity   models.PeerIdentity
	store      settingsStore
	logger     *zap.Logger
	out        io.Writer
	autoAccept bool

	advertiser *role.Advertiser
	browser    *role.Browser

	pendingPrompt *role.PendingInvitation
	pickerShowing bool
}

var (
	_ role.Delegate        = (*coordinator)(nil)
	_ role.PickerPresenter = (*coordinator)(nil)
)

func (c *coordinator) PeerIdentity() models.PeerIdentity {
	return c.identity
}

func (c *coordinator) ConnectionListChanged(m role.Manager) {
	if c.browser != nil && c.pickerShowing {
		c.printPicker()
		return
	}
	c.printf("connected peers: %s\n", peerNames(m.ConnectedPeers()))
}

func (c *coordinator) ReceivedConnectionRequest(_ role.Manager, inv *role.PendingInvitation) {
	if c.autoAccept {
		inv.Accept()
		return
	}
	c.pendingPrompt = inv
	c.printf("%s wants to join. Accept? [y/n]\n", inv.Peer.DisplayName)
}

func (c *coordinator) ConnectionSuccessful(m role.Manager, peer models.PeerIdentity) {
	c.printf("connected: %s\n", peer.DisplayName)

	if c.browser != nil {
		if err := c.store.SetOriginalCommanderID(c.browser.OriginalCommanderID()); err != nil {
			c.logger.Warn("remember commander failed", zap.Error(err))
		}
		return
	}
	c.pushSettings(m)
}

func (c *coordinator) DataReceived(_ role.Manager, from models.PeerIdentity, payload []byte) {
	settings, err := models.DecodeTimerSettings(payload)
	if err != nil {
		c.logger.Warn("ignoring undecodable settings", zap.String("peer_id", from.ID), zap.Error(err))
		return
	}
	if err := c.store.SaveTimerSettings(settings); err != nil {
		c.logger.Warn("save settings failed", zap.Error(err))
	}
	c.printf("settings from %s: %s\n", from.DisplayName, describeSettings(settings))
}

func (c *coordinator) PeerDisconnected(_ role.Manager, peer models.PeerIdentity) {
	c.printf("disconnected: %s\n", peer.DisplayName)
	if c.pendingPrompt != nil && c.pendingPrompt.Peer.ID == peer.ID {
		c.pendingPrompt = nil
	}
}

func (c *coordinator) ErrorOccurred(_ role.Manager, err error) {
	var permErr *session.PermissionError
	var invErr *role.InvitationError
	switch {
	case errors.As(err, &permErr):
		c.printf("local network access was denied (%s); allow it in system settings and restart\n", permErr.Op)
	case errors.As(err, &invErr):
		c.printf("%s did not let us in: %s\n", invErr.Peer.DisplayName, invErr.Reason)
	default:
		c.printf("error: %v\n", err)
	}
	c.logger.Warn("manager error", zap.Error(err))
}

func (c *coordinator) PresentCommanderBrowser(role.Manager) {
	c.pickerShowing = true
	c.printPicker()
}

func (c *coordinator) DismissCommanderBrowser(role.Manager) {
	c.pickerShowing = false
}

// handleLine interprets one line of console input.
func (c *coordinator) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	if c.pendingPrompt != nil {
		inv := c.pendingPrompt
		c.pendingPrompt = nil
		switch strings.ToLower(line) {
		case "y", "yes":
			inv.Accept()
		default:
			inv.Reject()
		}
		return
	}

	switch {
	case c.browser != nil && c.pickerShowing:
		peers := c.browser.DiscoveredPeers()
		n, err := strconv.Atoi(line)
		if err != nil || n < 1 || n > len(peers) {
			c.printf("choose 1-%d\n", len(peers))
			return
		}
		if err := c.browser.SelectPeer(peers[n-1].ID); err != nil {
			c.printf("cannot select %s: %v\n", peers[n-1].DisplayName, err)
		}
	case c.advertiser != nil:
		settings, err := parseSettings(line)
		if err != nil {
			c.printf("expected set,warning,final[,color[,sound]]: %v\n", err)
			return
		}
		if err := c.store.SaveTimerSettings(settings); err != nil {
			c.printf("invalid settings: %v\n", err)
			return
		}
		c.pushSettings(c.advertiser)
	}
}

// onPeerAuthenticated pins the key a peer proved during the handshake. It runs
// off the dispatch queue.
func (c *coordinator) onPeerAuthenticated(peerID, displayName, publicKeyBase64 string) {
	err := c.store.UpsertKnownPeer(storage.KnownPeer{
		PeerID:           peerID,
		DisplayName:      displayName,
		Ed25519PublicKey: publicKeyBase64,
		KeyFingerprint:   crypto.FingerprintBase64(publicKeyBase64),
	})
	if err != nil {
		c.logger.Warn("pin peer key failed", zap.String("peer_id", peerID), zap.Error(err))
	}
}

func (c *coordinator) pushSettings(m role.Manager) {
	settings, ok, err := c.store.TimerSettings()
	if err != nil {
		c.logger.Warn("load settings failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	payload, err := models.EncodeTimerSettings(settings)
	if err != nil {
		c.logger.Warn("encode settings failed", zap.Error(err))
		return
	}
	if err := m.SendToAll(payload); err != nil {
		if errors.Is(err, session.ErrNoPeersConnected) {
			c.printf("settings saved; no clients connected\n")
			return
		}
		c.printf("send failed: %v\n", err)
	}
}

func (c *coordinator) printPicker() {
	peers := c.browser.DiscoveredPeers()
	if len(peers) == 0 {
		c.printf("looking for commanders...\n")
		return
	}
	c.printf("choose a commander:\n")
	for i, p := range peers {
		c.printf("  %d) %s\n", i+1, p.DisplayName)
	}
}

func (c *coordinator) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func parseSettings(line string) (models.TimerSettings, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 3 {
		return models.TimerSettings{}, errors.New("need at least three values")
	}
	nums := make([]int, 0, 4)
	for i, field := range fields {
		if i == 4 {
			break
		}
		n, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return models.TimerSettings{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		nums = append(nums, n)
	}
	settings := models.TimerSettings{
		SetTimeSeconds:          nums[0],
		WarningThresholdSeconds: nums[1],
		FinalThresholdSeconds:   nums[2],
	}
	if len(nums) > 3 {
		settings.ColorIndex = nums[3]
	}
	if len(fields) > 4 {
		settings.CompletionSound = strings.TrimSpace(fields[4])
	}
	return settings, settings.Validate()
}

func describeSettings(s models.TimerSettings) string {
	return fmt.Sprintf("set=%ds warning=%ds final=%ds color=%d sound=%q",
		s.SetTimeSeconds, s.WarningThresholdSeconds, s.FinalThresholdSeconds, s.ColorIndex, s.CompletionSound)
}

func peerNames(peers []models.PeerIdentity) string {
	if len(peers) == 0 {
		return "none"
	}
	names := make([]string, 0, len(peers))
	for _, p := range peers {
		names = append(names, p.DisplayName)
	}
	return strings.Join(names, ", ")
}
