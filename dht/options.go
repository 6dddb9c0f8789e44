package dht

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// DefaultListenAddrs is used when no listen addresses are configured.
var DefaultListenAddrs = []string{"/ip4/0.0.0.0/tcp/0", "/ip4/0.0.0.0/udp/0/quic"}

const (
	// DefaultWaitTimeout bounds a single request to another peer.
	DefaultWaitTimeout = 3 * time.Second

	// defaultDiscoveryPort is the multicast port used when the UDP listen
	// address leaves the port ephemeral.
	defaultDiscoveryPort = 53560
)

type Option func(*DHT)

// WithListenAddrs replaces the default listen addresses entirely.
func WithListenAddrs(addrs []string) Option {
	return func(d *DHT) {
		if addrs != nil {
			d.listenAddrs = addrs
		}
	}
}

// WithInitialPeers sets the peers joined at startup.
func WithInitialPeers(peers []string) Option {
	return func(d *DHT) { d.initialPeers = peers }
}

// WithIdentityPath makes the peer id deterministic: the private key is read
// from the file, or written to it when the file does not exist yet.
func WithIdentityPath(path string) Option {
	return func(d *DHT) { d.identityPath = path }
}

// WithWaitTimeout bounds individual requests to other peers.
func WithWaitTimeout(timeout time.Duration) Option {
	return func(d *DHT) {
		if timeout > 0 {
			d.waitTimeout = timeout
		}
	}
}

// WithBootstrapTimeout bounds how long joining the initial peers may keep
// retrying. Zero means a single attempt per peer.
func WithBootstrapTimeout(timeout time.Duration) Option {
	return func(d *DHT) { d.bootstrapTimeout = timeout }
}

// WithAutoDiscovery announces the handle over UDP multicast and listens for
// announcements, so peers on the same segment join without initial peers.
func WithAutoDiscovery(enabled bool) Option {
	return func(d *DHT) { d.autoDiscovery = enabled }
}

// WithRelay toggles whether this handle relays join announcements it
// receives to the rest of its roster.
func WithRelay(enabled bool) Option {
	return func(d *DHT) { d.useRelay = enabled }
}

// WithAutoRelay asks reachable peers to re-announce this handle, useful
// behind NAT. Forwarded in the announce payload, not interpreted here.
func WithAutoRelay(enabled bool) Option {
	return func(d *DHT) { d.useAutoRelay = enabled }
}

// WithLogger sets the handle's logger.
func WithLogger(log hclog.Logger) Option {
	return func(d *DHT) {
		if log != nil {
			d.log = log
		}
	}
}
