package role

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerlink/discovery"
	"timerlink/models"
	"timerlink/network"
	"timerlink/session"
)

const (
	testServiceType = "lgv-timer"
	testAppID       = "com.example.timer"
	testAppVersion  = "1.0"
)

type recordingDelegate struct {
	peer      models.PeerIdentity
	onRequest func(inv *PendingInvitation)
	onError   func(m Manager, err error)

	mu           sync.Mutex
	identityPull int
	connected    []models.PeerIdentity
	disconnected []models.PeerIdentity
	data         [][]byte
	errs         []error
	invitations  []*PendingInvitation
	listChanges  int
	presented    int
	dismissed    int
}

func newRecordingDelegate(name string) *recordingDelegate {
	return &recordingDelegate{peer: models.NewPeerIdentity(name)}
}

func (d *recordingDelegate) PeerIdentity() models.PeerIdentity {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identityPull++
	return d.peer
}

func (d *recordingDelegate) ConnectionListChanged(Manager) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listChanges++
}

func (d *recordingDelegate) ReceivedConnectionRequest(_ Manager, inv *PendingInvitation) {
	d.mu.Lock()
	d.invitations = append(d.invitations, inv)
	onRequest := d.onRequest
	d.mu.Unlock()
	if onRequest != nil {
		onRequest(inv)
	}
}

func (d *recordingDelegate) ConnectionSuccessful(_ Manager, peer models.PeerIdentity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = append(d.connected, peer)
}

func (d *recordingDelegate) DataReceived(_ Manager, _ models.PeerIdentity, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = append(d.data, payload)
}

func (d *recordingDelegate) PeerDisconnected(_ Manager, peer models.PeerIdentity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, peer)
}

func (d *recordingDelegate) ErrorOccurred(m Manager, err error) {
	d.mu.Lock()
	d.errs = append(d.errs, err)
	onError := d.onError
	d.mu.Unlock()
	if onError != nil {
		onError(m, err)
	}
}

func (d *recordingDelegate) PresentCommanderBrowser(Manager) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presented++
}

func (d *recordingDelegate) DismissCommanderBrowser(Manager) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dismissed++
}

func (d *recordingDelegate) snapshot() recordingDelegate {
	d.mu.Lock()
	defer d.mu.Unlock()
	return recordingDelegate{
		identityPull: d.identityPull,
		connected:    append([]models.PeerIdentity(nil), d.connected...),
		disconnected: append([]models.PeerIdentity(nil), d.disconnected...),
		data:         append([][]byte(nil), d.data...),
		errs:         append([]error(nil), d.errs...),
		invitations:  append([]*PendingInvitation(nil), d.invitations...),
		listChanges:  d.listChanges,
		presented:    d.presented,
		dismissed:    d.dismissed,
	}
}

type announcerFunc func()

func (f announcerFunc) Stop() { f() }

type fakeDirectory struct {
	mu        sync.Mutex
	announced []discovery.Config
	stops     int
}

func (d *fakeDirectory) announce(cfg discovery.Config) (Announcer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.announced = append(d.announced, cfg)
	return announcerFunc(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.stops++
	}), nil
}

func (d *fakeDirectory) lastAnnounced(t *testing.T) discovery.Config {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.announced)
	return d.announced[len(d.announced)-1]
}

type fakeScanner struct {
	events   chan discovery.Event
	stopOnce sync.Once

	mu         sync.Mutex
	refreshes  int
	refreshErr error
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{events: make(chan discovery.Event, 32)}
}

func (s *fakeScanner) Start() error                   { return nil }
func (s *fakeScanner) Events() <-chan discovery.Event { return s.events }
func (s *fakeScanner) Stop() {
	s.stopOnce.Do(func() { close(s.events) })
}

func (s *fakeScanner) Refresh(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	return s.refreshErr
}

func (s *fakeScanner) refreshCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

func (s *fakeScanner) failRefresh(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshErr = err
}

func (s *fakeScanner) upsert(peer discovery.DiscoveredPeer) {
	s.events <- discovery.Event{Type: discovery.EventPeerUpserted, Peer: peer}
}

func (s *fakeScanner) remove(peerID string) {
	s.events <- discovery.Event{Type: discovery.EventPeerRemoved, Peer: discovery.DiscoveredPeer{PeerID: peerID}}
}

func (s *fakeScanner) completeScan() {
	s.events <- discovery.Event{Type: discovery.EventScanCompleted}
}

func (s *fakeScanner) fail(err error) {
	s.events <- discovery.Event{Type: discovery.EventScanFailed, Err: err}
}

func announcedPeer(cfg discovery.Config) discovery.DiscoveredPeer {
	return discovery.DiscoveredPeer{
		PeerID:      cfg.SelfPeerID,
		DisplayName: cfg.DisplayName,
		AppID:       cfg.AppID,
		AppVersion:  cfg.AppVersion,
		Port:        cfg.ListeningPort,
		Addresses:   []string{"127.0.0.1"},
	}
}

func commonOptions() Options {
	return Options{
		ServiceType: testServiceType,
		AppID:       testAppID,
		AppVersion:  testAppVersion,
	}
}

func newTestAdvertiser(t *testing.T, delegate *recordingDelegate, dir *fakeDirectory, mutate func(*AdvertiserOptions)) *Advertiser {
	t.Helper()
	opts := AdvertiserOptions{
		Options:       commonOptions(),
		ListenAddress: "127.0.0.1:0",
		Announce:      dir.announce,
	}
	if mutate != nil {
		mutate(&opts)
	}
	adv, err := NewAdvertiser(opts, delegate)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = adv.Close()
	})
	return adv
}

func newTestBrowser(t *testing.T, delegate *recordingDelegate, mutate func(*BrowserOptions)) (*Browser, func() *fakeScanner) {
	t.Helper()

	var mu sync.Mutex
	var current *fakeScanner
	opts := BrowserOptions{
		Options: commonOptions(),
		Scan: func(discovery.Config) (Scanner, error) {
			mu.Lock()
			defer mu.Unlock()
			current = newFakeScanner()
			return current, nil
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	browser, err := NewBrowser(opts, delegate)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = browser.Close()
	})
	return browser, func() *fakeScanner {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func invitationErrors(errs []error) []*InvitationError {
	var out []*InvitationError
	for _, err := range errs {
		var invErr *InvitationError
		if errors.As(err, &invErr) {
			out = append(out, invErr)
		}
	}
	return out
}

func TestCommanderAndClientExchangeSettings(t *testing.T) {
	commanderDelegate := newRecordingDelegate("Commander")
	commanderDelegate.onRequest = func(inv *PendingInvitation) { inv.Accept() }
	dir := &fakeDirectory{}
	commander := newTestAdvertiser(t, commanderDelegate, dir, nil)

	commander.StartAdvertising()
	require.True(t, commander.IsAdvertising())
	announced := dir.lastAnnounced(t)
	assert.Equal(t, testServiceType, announced.ServiceType)
	assert.Equal(t, commander.LocalPeer().ID, announced.SelfPeerID)
	assert.NotZero(t, announced.ListeningPort)

	clientDelegate := newRecordingDelegate("Client")
	client, scanner := newTestBrowser(t, clientDelegate, nil)
	client.StartBrowsing(false)

	scanner().upsert(announcedPeer(announced))
	scanner().completeScan()

	waitForCondition(t, 3*time.Second, func() bool {
		return len(clientDelegate.snapshot().connected) == 1 && len(commanderDelegate.snapshot().connected) == 1
	})
	assert.Equal(t, commander.LocalPeer().ID, clientDelegate.snapshot().connected[0].ID)
	assert.Equal(t, client.LocalPeer().ID, commanderDelegate.snapshot().connected[0].ID)
	assert.Equal(t, models.StateConnected, commander.PeerState(client.LocalPeer().ID))
	assert.Equal(t, commander.LocalPeer().ID, client.OriginalCommanderID())

	selected, ok := client.SelectedCommander()
	require.True(t, ok)
	assert.Equal(t, commander.LocalPeer().ID, selected.ID)

	settings, err := models.EncodeTimerSettings(models.TimerSettings{
		SetTimeSeconds:          1800,
		WarningThresholdSeconds: 300,
		FinalThresholdSeconds:   60,
		ColorIndex:              2,
		CompletionSound:         "chime",
	})
	require.NoError(t, err)
	require.NoError(t, commander.SendToAll(settings))

	waitForCondition(t, 3*time.Second, func() bool {
		return len(clientDelegate.snapshot().data) == 1
	})
	assert.Equal(t, settings, clientDelegate.snapshot().data[0])
	assert.Equal(t, 1, commanderDelegate.snapshot().identityPull)
	assert.Equal(t, 1, clientDelegate.snapshot().identityPull)
	assert.Empty(t, clientDelegate.snapshot().errs)
}

func TestRejectedInvitationLeavesBothSidesNotConnected(t *testing.T) {
	commanderDelegate := newRecordingDelegate("Commander")
	commanderDelegate.onRequest = func(inv *PendingInvitation) { inv.Reject() }
	dir := &fakeDirectory{}
	commander := newTestAdvertiser(t, commanderDelegate, dir, nil)
	commander.StartAdvertising()

	clientDelegate := newRecordingDelegate("Client")
	client, scanner := newTestBrowser(t, clientDelegate, nil)
	client.StartBrowsing(false)
	scanner().upsert(announcedPeer(dir.lastAnnounced(t)))
	scanner().completeScan()

	waitForCondition(t, 3*time.Second, func() bool {
		return len(invitationErrors(clientDelegate.snapshot().errs)) == 1
	})
	invErr := invitationErrors(clientDelegate.snapshot().errs)[0]
	assert.Equal(t, ReasonRejected, invErr.Reason)
	assert.ErrorIs(t, invErr, ErrInvitationRejected)

	commanderID := commander.LocalPeer().ID
	clientID := client.LocalPeer().ID
	waitForCondition(t, 2*time.Second, func() bool {
		return commander.PeerState(clientID) == models.StateNotConnected &&
			client.PeerState(commanderID) == models.StateNotConnected
	})
	assert.Empty(t, commanderDelegate.snapshot().connected)
	assert.Empty(t, clientDelegate.snapshot().connected)
	assert.Empty(t, commander.PendingInvitations())
	assert.Equal(t, ReasonRejected, commanderDelegate.snapshot().invitations[0].Outcome())

	scanner().completeScan()
	waitForCondition(t, 2*time.Second, func() bool {
		return clientDelegate.snapshot().presented == 1
	})
	assert.Len(t, commanderDelegate.snapshot().invitations, 1)
}

func TestUnansweredInvitationsTimeOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	commanderDelegate := newRecordingDelegate("Commander")
	dir := &fakeDirectory{}
	commander := newTestAdvertiser(t, commanderDelegate, dir, func(o *AdvertiserOptions) {
		o.Clock = clock
	})
	commander.StartAdvertising()

	clientDelegate := newRecordingDelegate("Client")
	client, scanner := newTestBrowser(t, clientDelegate, nil)
	client.StartBrowsing(false)
	scanner().upsert(announcedPeer(dir.lastAnnounced(t)))
	waitForCondition(t, 2*time.Second, func() bool {
		return len(client.DiscoveredPeers()) == 1
	})

	const cycles = 3
	for i := 0; i < cycles; i++ {
		require.NoError(t, client.SelectPeer(commander.LocalPeer().ID))
		waitForCondition(t, 3*time.Second, func() bool {
			return len(commander.PendingInvitations()) == 1
		})
		waitForCondition(t, 2*time.Second, func() bool {
			return len(commanderDelegate.snapshot().invitations) == i+1
		})

		clock.Advance(DefaultInvitationTimeout)

		waitForCondition(t, 3*time.Second, func() bool {
			return len(invitationErrors(clientDelegate.snapshot().errs)) == i+1
		})
		assert.Empty(t, commander.PendingInvitations())

		inv := commanderDelegate.snapshot().invitations[i]
		select {
		case <-inv.Done():
		case <-time.After(time.Second):
			t.Fatalf("invitation %d not resolved", i)
		}
		assert.Equal(t, ReasonTimeout, inv.Outcome())
		assert.False(t, inv.Accept())

		errs := invitationErrors(clientDelegate.snapshot().errs)
		assert.Equal(t, ReasonTimeout, errs[i].Reason)
		waitForCondition(t, 2*time.Second, func() bool {
			return client.PeerState(commander.LocalPeer().ID) == models.StateNotConnected
		})
	}

	assert.Empty(t, commanderDelegate.snapshot().connected)
	assert.Empty(t, commander.ConnectedPeers())
}

func TestRespondToInvitationAfterDecisionFails(t *testing.T) {
	commanderDelegate := newRecordingDelegate("Commander")
	dir := &fakeDirectory{}
	commander := newTestAdvertiser(t, commanderDelegate, dir, nil)
	commander.StartAdvertising()

	clientDelegate := newRecordingDelegate("Client")
	client, scanner := newTestBrowser(t, clientDelegate, nil)
	client.StartBrowsing(false)
	scanner().upsert(announcedPeer(dir.lastAnnounced(t)))
	scanner().completeScan()

	waitForCondition(t, 3*time.Second, func() bool {
		return len(commander.PendingInvitations()) == 1
	})
	pending := commander.PendingInvitations()[0]
	assert.Equal(t, client.LocalPeer().ID, pending.Peer.ID)
	assert.Equal(t, models.StateConnecting, commander.PeerState(client.LocalPeer().ID))

	require.NoError(t, commander.RespondToInvitation(pending.ID, true))
	require.ErrorIs(t, commander.RespondToInvitation(pending.ID, false), ErrInvitationNotFound)
	assert.False(t, pending.Reject())

	waitForCondition(t, 3*time.Second, func() bool {
		return len(clientDelegate.snapshot().connected) == 1
	})
	assert.Equal(t, network.InvitationAccepted, pending.Outcome())
}

func TestStopAdvertisingRejectsNewInvitationsAndKeepsLinks(t *testing.T) {
	commanderDelegate := newRecordingDelegate("Commander")
	dir := &fakeDirectory{}
	commander := newTestAdvertiser(t, commanderDelegate, dir, func(o *AdvertiserOptions) {
		o.AutoAccept = true
	})
	commander.StartAdvertising()
	commander.StartAdvertising()
	announced := dir.lastAnnounced(t)

	first := newRecordingDelegate("First")
	firstClient, firstScanner := newTestBrowser(t, first, nil)
	firstClient.StartBrowsing(false)
	firstScanner().upsert(announcedPeer(announced))
	firstScanner().completeScan()
	waitForCondition(t, 3*time.Second, func() bool {
		return len(first.snapshot().connected) == 1
	})

	commander.StopAdvertising()
	commander.StopAdvertising()
	assert.False(t, commander.IsAdvertising())

	second := newRecordingDelegate("Second")
	secondClient, secondScanner := newTestBrowser(t, second, nil)
	secondClient.StartBrowsing(false)
	secondScanner().upsert(announcedPeer(announced))
	waitForCondition(t, 2*time.Second, func() bool {
		return len(secondClient.DiscoveredPeers()) == 1
	})
	require.NoError(t, secondClient.SelectPeer(commander.LocalPeer().ID))
	waitForCondition(t, 3*time.Second, func() bool {
		return len(invitationErrors(second.snapshot().errs)) == 1
	})
	assert.Equal(t, ReasonNotAdvertising, invitationErrors(second.snapshot().errs)[0].Reason)
	assert.Len(t, commander.ConnectedPeers(), 1)

	commander.StartAdvertising()
	require.True(t, commander.IsAdvertising())
	assert.Equal(t, announced.ListeningPort, dir.lastAnnounced(t).ListeningPort)

	dir.mu.Lock()
	assert.Len(t, dir.announced, 2)
	assert.Equal(t, 1, dir.stops)
	dir.mu.Unlock()

	require.NoError(t, secondClient.SelectPeer(commander.LocalPeer().ID))
	waitForCondition(t, 3*time.Second, func() bool {
		return len(commander.ConnectedPeers()) == 2
	})

	require.NoError(t, commander.SendToAll([]byte("settings")))
	waitForCondition(t, 3*time.Second, func() bool {
		return len(first.snapshot().data) == 1 && len(second.snapshot().data) == 1
	})
}

func TestBrowserPresentsPickerForSeveralCommanders(t *testing.T) {
	delegate := newRecordingDelegate("Client")
	client, scanner := newTestBrowser(t, delegate, nil)
	client.StartBrowsing(false)

	scanner().upsert(discovery.DiscoveredPeer{PeerID: "commander-a", DisplayName: "A", Port: 1, Addresses: []string{"127.0.0.1"}})
	scanner().upsert(discovery.DiscoveredPeer{PeerID: "commander-b", DisplayName: "B", Port: 2, Addresses: []string{"127.0.0.1"}})
	scanner().completeScan()
	scanner().completeScan()

	waitForCondition(t, 2*time.Second, func() bool {
		return delegate.snapshot().presented == 1
	})
	assert.Equal(t, []models.PeerIdentity{
		{ID: "commander-a", DisplayName: "A"},
		{ID: "commander-b", DisplayName: "B"},
	}, client.DiscoveredPeers())
	assert.Equal(t, models.StateNotConnected, client.PeerState("commander-a"))
	assert.GreaterOrEqual(t, delegate.snapshot().listChanges, 2)

	client.DismissCommanderBrowser()
	waitForCondition(t, 2*time.Second, func() bool {
		return delegate.snapshot().dismissed == 1
	})

	scanner().remove("commander-b")
	waitForCondition(t, 2*time.Second, func() bool {
		return len(client.DiscoveredPeers()) == 1
	})
}

func TestBrowserPresentsPickerForUnfamiliarCommander(t *testing.T) {
	delegate := newRecordingDelegate("Client")
	client, scanner := newTestBrowser(t, delegate, func(o *BrowserOptions) {
		o.OriginalCommanderID = "commander-original"
	})
	client.StartBrowsing(false)

	scanner().upsert(discovery.DiscoveredPeer{PeerID: "commander-other", DisplayName: "Other", Port: 1, Addresses: []string{"127.0.0.1"}})
	scanner().completeScan()

	waitForCondition(t, 2*time.Second, func() bool {
		return delegate.snapshot().presented == 1
	})
	assert.Equal(t, models.StateNotConnected, client.PeerState("commander-other"))
	assert.Equal(t, "commander-original", client.OriginalCommanderID())
}

func TestForcedPickerSuppressesAutoInvite(t *testing.T) {
	commanderDelegate := newRecordingDelegate("Commander")
	dir := &fakeDirectory{}
	commander := newTestAdvertiser(t, commanderDelegate, dir, nil)
	commander.StartAdvertising()

	delegate := newRecordingDelegate("Client")
	client, scanner := newTestBrowser(t, delegate, nil)
	client.StartBrowsing(true)
	scanner().upsert(announcedPeer(dir.lastAnnounced(t)))
	scanner().completeScan()

	waitForCondition(t, 2*time.Second, func() bool {
		return delegate.snapshot().presented == 1
	})
	assert.Empty(t, commander.PendingInvitations())
	assert.Empty(t, commanderDelegate.snapshot().invitations)
}

func TestLosingCommanderCancelsOutstandingInvitation(t *testing.T) {
	commanderDelegate := newRecordingDelegate("Commander")
	dir := &fakeDirectory{}
	commander := newTestAdvertiser(t, commanderDelegate, dir, nil)
	commander.StartAdvertising()

	delegate := newRecordingDelegate("Client")
	client, scanner := newTestBrowser(t, delegate, nil)
	client.StartBrowsing(false)
	scanner().upsert(announcedPeer(dir.lastAnnounced(t)))
	scanner().completeScan()

	waitForCondition(t, 3*time.Second, func() bool {
		return len(commander.PendingInvitations()) == 1
	})
	scanner().remove(commander.LocalPeer().ID)

	waitForCondition(t, 3*time.Second, func() bool {
		return len(commander.PendingInvitations()) == 0
	})
	waitForCondition(t, 2*time.Second, func() bool {
		return client.PeerState(commander.LocalPeer().ID) == models.StateNotConnected &&
			commander.PeerState(client.LocalPeer().ID) == models.StateNotConnected
	})
	assert.Empty(t, invitationErrors(delegate.snapshot().errs))
	assert.Equal(t, ReasonLinkLost, commanderDelegate.snapshot().invitations[0].Outcome())
}

func TestCommanderShutdownDisconnectsClient(t *testing.T) {
	commanderDelegate := newRecordingDelegate("Commander")
	dir := &fakeDirectory{}
	commander := newTestAdvertiser(t, commanderDelegate, dir, func(o *AdvertiserOptions) {
		o.AutoAccept = true
	})
	commander.StartAdvertising()

	delegate := newRecordingDelegate("Client")
	client, scanner := newTestBrowser(t, delegate, nil)
	client.StartBrowsing(false)
	scanner().upsert(announcedPeer(dir.lastAnnounced(t)))
	scanner().completeScan()
	waitForCondition(t, 3*time.Second, func() bool {
		return len(delegate.snapshot().connected) == 1
	})

	require.NoError(t, commander.Close())
	waitForCondition(t, 3*time.Second, func() bool {
		return len(delegate.snapshot().disconnected) == 1
	})
	_, ok := client.SelectedCommander()
	assert.False(t, ok)
	require.ErrorIs(t, client.SendToAll([]byte("x")), session.ErrNoPeersConnected)

	scanner().completeScan()
	waitForCondition(t, 2*time.Second, func() bool {
		return delegate.snapshot().presented == 1
	})
}

func TestSendToAllWithoutClientsFails(t *testing.T) {
	commander := newTestAdvertiser(t, newRecordingDelegate("Commander"), &fakeDirectory{}, nil)

	err := commander.SendToAll([]byte("settings"))
	require.ErrorIs(t, err, session.ErrNoPeersConnected)
	assert.Equal(t, models.RoleAdvertiser, commander.Role())
	assert.Equal(t, testServiceType, commander.ServiceType())
}

func TestConstructionValidatesServiceType(t *testing.T) {
	delegate := newRecordingDelegate("Commander")
	_, err := NewAdvertiser(AdvertiserOptions{Options: Options{ServiceType: "Not_Valid"}}, delegate)
	var cfgErr *session.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewAdvertiser(AdvertiserOptions{Options: Options{ServiceType: " lgv-timer "}}, delegate)
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewBrowser(BrowserOptions{Options: Options{ServiceType: "lgv-timer"}}, nil)
	require.ErrorAs(t, err, &cfgErr)
}

func TestListenFailureIsReported(t *testing.T) {
	delegate := newRecordingDelegate("Commander")
	commander := newTestAdvertiser(t, delegate, &fakeDirectory{}, func(o *AdvertiserOptions) {
		o.ListenAddress = "127.0.0.1:99999"
	})

	commander.StartAdvertising()
	assert.False(t, commander.IsAdvertising())
	waitForCondition(t, 2*time.Second, func() bool {
		return len(delegate.snapshot().errs) == 1
	})
	var transportErr *session.TransportError
	assert.ErrorAs(t, delegate.snapshot().errs[0], &transportErr)
}

func TestCloseFromErrorCallbackReturns(t *testing.T) {
	delegate := newRecordingDelegate("Commander")
	closed := make(chan error, 1)
	delegate.onError = func(m Manager, _ error) {
		closed <- m.Close()
	}
	commander := newTestAdvertiser(t, delegate, &fakeDirectory{}, func(o *AdvertiserOptions) {
		o.ListenAddress = "127.0.0.1:99999"
	})

	commander.StartAdvertising()

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Close from ErrorOccurred did not return")
	}
	assert.False(t, commander.IsAdvertising())
	require.NoError(t, commander.Close())
}

func TestBrowserCloseFromErrorCallbackReturns(t *testing.T) {
	delegate := newRecordingDelegate("Client")
	closed := make(chan error, 1)
	delegate.onError = func(m Manager, _ error) {
		closed <- m.Close()
	}
	client, scanner := newTestBrowser(t, delegate, nil)
	client.StartBrowsing(false)

	scanner().fail(errors.New("mdns unavailable"))

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Close from ErrorOccurred did not return")
	}
	assert.False(t, client.IsBrowsing())
}

func TestBrowseFailuresAreReportedOncePerRun(t *testing.T) {
	delegate := newRecordingDelegate("Client")
	client, scanner := newTestBrowser(t, delegate, nil)
	client.StartBrowsing(false)

	denied := fmt.Errorf("browse socket: %w", os.ErrPermission)
	scanner().fail(denied)
	scanner().fail(denied)
	scanner().upsert(discovery.DiscoveredPeer{PeerID: "commander-a", DisplayName: "A", Port: 1, Addresses: []string{"127.0.0.1"}})

	// The list change is queued after the reported failure.
	waitForCondition(t, 2*time.Second, func() bool {
		return delegate.snapshot().listChanges >= 1
	})
	errs := delegate.snapshot().errs
	require.Len(t, errs, 1)
	var permErr *session.PermissionError
	require.ErrorAs(t, errs[0], &permErr)
	assert.Equal(t, "browse", permErr.Op)
	assert.ErrorIs(t, errs[0], os.ErrPermission)

	scanner().completeScan()
	scanner().fail(errors.New("interface went away"))
	waitForCondition(t, 2*time.Second, func() bool {
		return len(delegate.snapshot().errs) == 2
	})
	var transportErr *session.TransportError
	assert.ErrorAs(t, delegate.snapshot().errs[1], &transportErr)
}

func TestStartBrowsingAgainRefreshesScanner(t *testing.T) {
	delegate := newRecordingDelegate("Client")
	client, scanner := newTestBrowser(t, delegate, nil)
	client.StartBrowsing(false)
	first := scanner()

	client.StartBrowsing(false)
	waitForCondition(t, 2*time.Second, func() bool {
		return first.refreshCount() == 1
	})
	assert.Same(t, first, scanner())
	assert.Empty(t, delegate.snapshot().errs)

	first.failRefresh(fmt.Errorf("browse socket: %w", os.ErrPermission))
	client.StartBrowsing(true)
	waitForCondition(t, 2*time.Second, func() bool {
		return len(delegate.snapshot().errs) == 1
	})
	var permErr *session.PermissionError
	assert.ErrorAs(t, delegate.snapshot().errs[0], &permErr)
	assert.Equal(t, 2, first.refreshCount())
}

func TestClientDisconnectWithdrawsPendingInvitation(t *testing.T) {
	commanderDelegate := newRecordingDelegate("Commander")
	dir := &fakeDirectory{}
	commander := newTestAdvertiser(t, commanderDelegate, dir, nil)
	commander.StartAdvertising()

	delegate := newRecordingDelegate("Client")
	client, scanner := newTestBrowser(t, delegate, nil)
	client.StartBrowsing(false)
	scanner().upsert(announcedPeer(dir.lastAnnounced(t)))
	scanner().completeScan()

	waitForCondition(t, 3*time.Second, func() bool {
		return len(commander.PendingInvitations()) == 1
	})
	pending := commander.PendingInvitations()[0]

	client.Disconnect()
	// The commander may already have seen the link drop.
	_ = commander.RespondToInvitation(pending.ID, true)

	commanderID := commander.LocalPeer().ID
	clientID := client.LocalPeer().ID
	waitForCondition(t, 3*time.Second, func() bool {
		return client.PeerState(commanderID) == models.StateNotConnected &&
			commander.PeerState(clientID) == models.StateNotConnected
	})
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, delegate.snapshot().connected)
	assert.Empty(t, client.ConnectedPeers())
	assert.Equal(t, models.StateNotConnected, client.PeerState(commanderID))
	assert.Empty(t, invitationErrors(delegate.snapshot().errs))
	_, ok := client.SelectedCommander()
	assert.False(t, ok)
}

func TestCommanderDisconnectRejectsPendingInvitations(t *testing.T) {
	commanderDelegate := newRecordingDelegate("Commander")
	dir := &fakeDirectory{}
	commander := newTestAdvertiser(t, commanderDelegate, dir, nil)
	commander.StartAdvertising()

	delegate := newRecordingDelegate("Client")
	client, scanner := newTestBrowser(t, delegate, nil)
	client.StartBrowsing(false)
	scanner().upsert(announcedPeer(dir.lastAnnounced(t)))
	scanner().completeScan()

	waitForCondition(t, 3*time.Second, func() bool {
		return len(commander.PendingInvitations()) == 1
	})
	pending := commander.PendingInvitations()[0]

	commander.Disconnect()

	assert.Empty(t, commander.PendingInvitations())
	assert.Equal(t, ReasonClosing, pending.Outcome())
	require.ErrorIs(t, commander.RespondToInvitation(pending.ID, true), ErrInvitationNotFound)

	waitForCondition(t, 3*time.Second, func() bool {
		return len(invitationErrors(delegate.snapshot().errs)) == 1
	})
	assert.Equal(t, ReasonClosing, invitationErrors(delegate.snapshot().errs)[0].Reason)

	commanderID := commander.LocalPeer().ID
	clientID := client.LocalPeer().ID
	waitForCondition(t, 2*time.Second, func() bool {
		return client.PeerState(commanderID) == models.StateNotConnected &&
			commander.PeerState(clientID) == models.StateNotConnected
	})
	assert.Empty(t, commander.ConnectedPeers())
	assert.Empty(t, delegate.snapshot().connected)
	assert.True(t, commander.IsAdvertising())
}

func TestOriginalCommanderIsInvitedWithoutPicker(t *testing.T) {
	commanderDelegate := newRecordingDelegate("Commander")
	dir := &fakeDirectory{}
	commander := newTestAdvertiser(t, commanderDelegate, dir, func(o *AdvertiserOptions) {
		o.AutoAccept = true
	})
	commander.StartAdvertising()

	delegate := newRecordingDelegate("Client")
	client, scanner := newTestBrowser(t, delegate, func(o *BrowserOptions) {
		o.OriginalCommanderID = commander.LocalPeer().ID
	})
	client.StartBrowsing(false)
	scanner().upsert(announcedPeer(dir.lastAnnounced(t)))
	scanner().completeScan()

	waitForCondition(t, 3*time.Second, func() bool {
		return len(delegate.snapshot().connected) == 1
	})
	assert.Equal(t, commander.LocalPeer().ID, delegate.snapshot().connected[0].ID)
	assert.Equal(t, 0, delegate.snapshot().presented)
	assert.Len(t, commanderDelegate.snapshot().invitations, 0)
	assert.Equal(t, models.StateConnected, client.PeerState(commander.LocalPeer().ID))
}

func TestTimedOutInvitationLeavesPeerNotConnected(t *testing.T) {
	commanderDelegate := newRecordingDelegate("Commander")
	dir := &fakeDirectory{}
	commander := newTestAdvertiser(t, commanderDelegate, dir, func(o *AdvertiserOptions) {
		o.InvitationTimeout = time.Millisecond
	})
	commander.StartAdvertising()

	delegate := newRecordingDelegate("Client")
	client, scanner := newTestBrowser(t, delegate, nil)
	client.StartBrowsing(false)
	scanner().upsert(announcedPeer(dir.lastAnnounced(t)))
	scanner().completeScan()

	waitForCondition(t, 3*time.Second, func() bool {
		return len(invitationErrors(delegate.snapshot().errs)) == 1
	})
	assert.Equal(t, ReasonTimeout, invitationErrors(delegate.snapshot().errs)[0].Reason)

	clientID := client.LocalPeer().ID
	waitForCondition(t, 2*time.Second, func() bool {
		return commander.PeerState(clientID) == models.StateNotConnected
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.StateNotConnected, commander.PeerState(clientID))
	assert.Empty(t, commander.PendingInvitations())
}
