package models

// ConnectionState is the per-remote-peer link state.
type ConnectionState string

const (
	StateNotConnected ConnectionState = "not_connected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// Role is the fixed role of one manager instance.
type Role string

const (
	// RoleAdvertiser is the commander side.
	RoleAdvertiser Role = "advertiser"
	// RoleBrowser is the client side.
	RoleBrowser Role = "browser"
)
