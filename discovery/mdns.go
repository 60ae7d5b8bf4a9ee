package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 5 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 2 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
)

// TXT record keys.
const (
	TXTPeerID         = "peer_id"
	TXTAppID          = "app_id"
	TXTAppVersion     = "app_version"
	TXTVersion        = "version"
	TXTKeyFingerprint = "key_fingerprint"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	ServiceType     string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32

	SelfPeerID     string
	DisplayName    string
	ListeningPort  int
	KeyFingerprint string

	// AppID and AppVersion are advertised, and when set on a scanner,
	// peers advertising different values are ignored.
	AppID      string
	AppVersion string

	registerFn registerFunc
	browseFn   browseFunc
}

// ServiceName returns the DNS-SD service label, e.g. "_lgv-timer._tcp".
func ServiceName(serviceType string) string {
	return "_" + serviceType + "._tcp"
}

func (c Config) withDefaults() Config {
	out := c
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.ServiceType) == "" {
		return errors.New("service type is required")
	}
	if strings.TrimSpace(c.SelfPeerID) == "" {
		return errors.New("self peer ID is required")
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		return errors.New("display name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.ServiceType) == "" {
		return errors.New("service type is required")
	}
	if strings.TrimSpace(c.SelfPeerID) == "" {
		return errors.New("self peer ID is required")
	}
	return nil
}

func (c Config) txtRecords() []string {
	return []string{
		TXTPeerID + "=" + c.SelfPeerID,
		TXTAppID + "=" + c.AppID,
		TXTAppVersion + "=" + c.AppVersion,
		TXTVersion + "=" + strconv.Itoa(c.Version),
		TXTKeyFingerprint + "=" + c.KeyFingerprint,
	}
}

// Broadcaster advertises local peer presence via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.DisplayName, ServiceName(cfg.ServiceType), cfg.Domain, cfg.ListeningPort, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	return &Broadcaster{server: server}, nil
}

// Stop withdraws the mDNS registration.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}
