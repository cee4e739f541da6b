package upnp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"

	"github.com/billpoulson/animedb/pkg/logging"
)

// State of the NAT traversal machine.
type State string

const (
	StateIdle    State = "idle"
	StateManual  State = "manual"
	StateMapping State = "mapping"
	StateActive  State = "active"
	StateFailed  State = "failed"
)

const mappingDescription = "AnimeDB"

// Client is the narrow surface of a WANIPConnection service the manager
// needs. Tests inject a fake; production uses goupnp's discovered client.
type Client interface {
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
	GetExternalIPAddress() (string, error)
}

// DiscoverFunc locates an internet gateway and returns a control client plus
// the LAN address the gateway should forward to.
type DiscoverFunc func() (Client, string, error)

// DiscoverIGD finds a WANIPConnection1 service on the local network.
func DiscoverIGD() (Client, string, error) {
	clients, _, err := internetgateway2.NewWANIPConnection1Clients()
	if err != nil {
		return nil, "", fmt.Errorf("igd discovery: %w", err)
	}
	if len(clients) == 0 {
		return nil, "", fmt.Errorf("no internet gateway device found")
	}
	client := clients[0]

	internal, err := localAddrFor(client.Location.Host)
	if err != nil {
		return nil, "", err
	}
	return client, internal, nil
}

// localAddrFor returns the local interface address used to reach host.
func localAddrFor(host string) (string, error) {
	conn, err := net.Dial("udp", host)
	if err != nil {
		return "", fmt.Errorf("determine local address: %w", err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

// Status is a snapshot of the manager for the networking API.
type Status struct {
	State       State  `json:"state"`
	Active      bool   `json:"active"`
	ExternalIP  string `json:"externalIp,omitempty"`
	ExternalURL string `json:"externalUrl,omitempty"`
	ManualURL   string `json:"manualUrl,omitempty"`
	Port        int    `json:"port"`
	Error       string `json:"error,omitempty"`
}

// Manager negotiates and maintains an external port mapping. A manual URL
// overrides whatever UPnP reports; clearing it reverts to the last mapping.
type Manager struct {
	discover DiscoverFunc
	logger   logging.Logger
	lease    uint32 // seconds; 0 means permanent, no renewal loop

	mu         sync.Mutex
	client     Client
	internalIP string
	port       int
	state      State
	externalIP string
	manualURL  string
	lastErr    string
	onRenew    func(newURL string)
	renewing   bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// ManagerConfig holds dependencies for the manager.
type ManagerConfig struct {
	Discover DiscoverFunc // defaults to DiscoverIGD
	Logger   logging.Logger
	Port     int
	LeaseTTL uint32 // seconds; 0 keeps the mapping permanent
	// ManualURL, when set, bypasses UPnP entirely until cleared.
	ManualURL string
	// OnRenew fires when a lease refresh observes a changed external IP.
	// The announce dispatcher subscribes to push the new URL to peers.
	OnRenew func(newURL string)
}

// NewManager creates a manager; call Start to begin mapping.
func NewManager(cfg ManagerConfig) *Manager {
	discover := cfg.Discover
	if discover == nil {
		discover = DiscoverIGD
	}
	return &Manager{
		discover:  discover,
		logger:    cfg.Logger,
		lease:     cfg.LeaseTTL,
		port:      cfg.Port,
		state:     StateIdle,
		manualURL: cfg.ManualURL,
		onRenew:   cfg.OnRenew,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the mapping algorithm and, on success with a finite lease,
// launches the renewal loop. Failure leaves the rest of the node running;
// federation is simply unreachable from outside.
func (m *Manager) Start() State {
	m.mu.Lock()
	if m.manualURL != "" {
		m.state = StateManual
		m.mu.Unlock()
		m.logger.WithField("url", m.manualURL).Info("Manual external URL configured; skipping UPnP")
		return StateManual
	}
	port := m.port
	m.state = StateMapping
	m.mu.Unlock()

	if err := m.mapPort(port); err != nil {
		m.mu.Lock()
		m.state = StateFailed
		m.lastErr = err.Error()
		m.mu.Unlock()
		m.logger.WithError(err).Warn("UPnP mapping failed; node is not reachable from outside")
		return StateFailed
	}

	m.mu.Lock()
	m.state = StateActive
	m.lastErr = ""
	m.mu.Unlock()

	m.startRenewal()
	return StateActive
}

// startRenewal launches the renewal loop once per manager lifetime. Both
// Start and Retry can reach an active mapping, in either order; only the
// first success spawns the loop.
func (m *Manager) startRenewal() {
	if m.lease == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.renewing {
		return
	}
	m.renewing = true
	m.wg.Add(1)
	go m.renewLoop()
}

// mapPort unmaps any stale mapping, creates a fresh one and queries the
// external IP. Caller handles state transitions.
func (m *Manager) mapPort(port int) error {
	client, internalIP, err := m.discover()
	if err != nil {
		return err
	}

	// A stale mapping from a previous run would shadow the new lease.
	_ = client.DeletePortMapping("", uint16(port), "TCP")

	if err := client.AddPortMapping("", uint16(port), "TCP", uint16(port), internalIP, true, mappingDescription, m.lease); err != nil {
		return fmt.Errorf("add port mapping: %w", err)
	}

	ip, err := client.GetExternalIPAddress()
	if err != nil {
		return fmt.Errorf("query external ip: %w", err)
	}

	m.mu.Lock()
	m.client = client
	m.internalIP = internalIP
	m.port = port
	m.externalIP = ip
	m.mu.Unlock()

	m.logger.WithFields(logging.Fields{
		"external_ip": ip,
		"port":        port,
		"lease":       m.lease,
	}).Info("UPnP mapping established")
	return nil
}

// renewLoop refreshes the lease at a third of its TTL and re-queries the
// external IP. An IP change fires the renew callback. Failures are retried
// on the next tick; the state stays active until Stop.
func (m *Manager) renewLoop() {
	defer m.wg.Done()

	interval := time.Duration(m.lease) * time.Second / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.renew()
		}
	}
}

func (m *Manager) renew() {
	m.mu.Lock()
	client := m.client
	internalIP := m.internalIP
	port := m.port
	prevIP := m.externalIP
	m.mu.Unlock()

	if client == nil {
		return
	}

	if err := client.AddPortMapping("", uint16(port), "TCP", uint16(port), internalIP, true, mappingDescription, m.lease); err != nil {
		m.logger.WithError(err).Warn("UPnP lease renewal failed; retrying next tick")
		return
	}

	ip, err := client.GetExternalIPAddress()
	if err != nil {
		m.logger.WithError(err).Warn("External IP query failed; retrying next tick")
		return
	}

	if ip != prevIP {
		m.mu.Lock()
		m.externalIP = ip
		manual := m.manualURL
		m.mu.Unlock()

		m.logger.WithFields(logging.Fields{"old": prevIP, "new": ip}).Info("External IP changed")
		if m.onRenew != nil && manual == "" {
			m.onRenew(fmt.Sprintf("http://%s:%d", ip, port))
		}
	}
}

// Retry re-runs the mapping algorithm on the given port and returns the
// resulting status synchronously.
func (m *Manager) Retry(port int) Status {
	m.mu.Lock()
	if m.manualURL != "" {
		m.mu.Unlock()
		return m.Status()
	}
	m.state = StateMapping
	m.mu.Unlock()

	if err := m.mapPort(port); err != nil {
		m.mu.Lock()
		m.state = StateFailed
		m.lastErr = err.Error()
		m.mu.Unlock()
		return m.Status()
	}

	m.mu.Lock()
	m.state = StateActive
	m.lastErr = ""
	m.mu.Unlock()

	m.startRenewal()
	return m.Status()
}

// SetManualURL overrides UPnP with a user-supplied URL; empty clears the
// override and falls back to whatever UPnP last reported.
func (m *Manager) SetManualURL(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manualURL = url
	if url != "" {
		m.state = StateManual
	} else if m.externalIP != "" {
		m.state = StateActive
	} else {
		m.state = StateIdle
	}
}

// ExternalURL returns the current best external URL, or "" when unknown.
func (m *Manager) ExternalURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manualURL != "" {
		return m.manualURL
	}
	if m.externalIP != "" {
		return fmt.Sprintf("http://%s:%d", m.externalIP, m.port)
	}
	return ""
}

// Status returns a snapshot for the networking API.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		State:      m.state,
		Active:     m.state == StateActive,
		ExternalIP: m.externalIP,
		ManualURL:  m.manualURL,
		Port:       m.port,
		Error:      m.lastErr,
	}
	if m.manualURL != "" {
		st.ExternalURL = m.manualURL
	} else if m.externalIP != "" {
		st.ExternalURL = fmt.Sprintf("http://%s:%d", m.externalIP, m.port)
	}
	return st
}

// Stop removes the mapping best-effort and stops the renewal loop.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()

	m.mu.Lock()
	client := m.client
	port := m.port
	active := m.state == StateActive
	m.state = StateIdle
	m.client = nil
	m.mu.Unlock()

	if client != nil && active {
		if err := client.DeletePortMapping("", uint16(port), "TCP"); err != nil {
			m.logger.WithError(err).Debug("UPnP unmap on shutdown failed")
		}
	}
}
