package dht

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	ma "github.com/multiformats/go-multiaddr"
)

// PeerInfo is one entry of the roster.
type PeerInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

type record struct {
	Value   []byte
	Expires time.Time
}

// DHT is a running peer handle. Construct it with New; it starts serving
// immediately and stops on Shutdown.
type DHT struct {
	log hclog.Logger

	id           string
	identityPath string

	listenAddrs  []string
	initialPeers []string

	waitTimeout      time.Duration
	bootstrapTimeout time.Duration
	autoDiscovery    bool
	useRelay         bool
	useAutoRelay     bool

	server    *http.Server
	listeners []net.Listener
	client    *http.Client
	disco     *announcer

	mu      sync.RWMutex
	peers   map[string]string // id -> dialable multiaddr
	records map[string]record

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New builds and starts a peer handle. The handle binds its TCP listen
// addresses, begins joining the initial peers in the background and, when
// auto-discovery is on, starts the multicast announcer.
func New(opts ...Option) (*DHT, error) {
	d := &DHT{
		log:         hclog.Default().Named("dht"),
		listenAddrs: DefaultListenAddrs,
		waitTimeout: DefaultWaitTimeout,
		useRelay:    true,
		peers:       make(map[string]string),
		records:     make(map[string]record),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.client = &http.Client{Timeout: d.waitTimeout}

	id, err := loadIdentity(d.identityPath)
	if err != nil {
		return nil, fmt.Errorf("peer identity: %w", err)
	}
	d.id = id

	var udpPort int
	hasUDP := false
	for _, addr := range d.listenAddrs {
		host, port, proto, err := splitMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("listen address %q: %w", addr, err)
		}
		switch proto {
		case "tcp":
			l, err := net.Listen("tcp", net.JoinHostPort(host, port))
			if err != nil {
				return nil, fmt.Errorf("listen on %q: %w", addr, err)
			}
			d.listeners = append(d.listeners, l)
		case "udp":
			hasUDP = true
			fmt.Sscanf(port, "%d", &udpPort)
		}
	}
	if len(d.listeners) == 0 {
		return nil, errors.New("no tcp listen address configured")
	}

	d.server = &http.Server{Handler: d.router()}
	for _, l := range d.listeners {
		l := l
		go func() {
			if err := d.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error("peer handle server stopped", "error", err)
			}
		}()
	}
	d.log.Info("peer handle started", "id", d.id, "addrs", d.BoundAddrs())

	if d.autoDiscovery && hasUDP {
		if udpPort == 0 {
			udpPort = defaultDiscoveryPort
		}
		disco, err := newAnnouncer(d, udpPort)
		if err != nil {
			d.log.Error("auto-discovery unavailable", "error", err)
		} else {
			d.disco = disco
			d.disco.start()
		}
	}

	if len(d.initialPeers) > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.bootstrap()
		}()
	}
	return d, nil
}

// ID returns the peer id, deterministic when an identity path was given.
func (d *DHT) ID() string {
	return d.id
}

// ListenAddrs returns the configured listen addresses.
func (d *DHT) ListenAddrs() []string {
	return d.listenAddrs
}

// BoundAddrs returns the multiaddrs actually bound, loopback included.
func (d *DHT) BoundAddrs() []string {
	var addrs []string
	for _, l := range d.listeners {
		host, port, err := net.SplitHostPort(l.Addr().String())
		if err != nil {
			continue
		}
		addrs = append(addrs, fmt.Sprintf("/ip4/%s/tcp/%s", host, port))
	}
	return addrs
}

// VisibleAddrs returns the externally reachable, non-loopback addresses of
// this handle. Unspecified hosts are expanded through the local interfaces.
func (d *DHT) VisibleAddrs() []string {
	var addrs []string
	for _, l := range d.listeners {
		host, port, err := net.SplitHostPort(l.Addr().String())
		if err != nil {
			continue
		}
		ip := net.ParseIP(host)
		if ip != nil && ip.IsUnspecified() {
			for _, ifaceIP := range interfaceIPs() {
				if !ifaceIP.IsLoopback() {
					addrs = append(addrs, fmt.Sprintf("/ip4/%s/tcp/%s", ifaceIP, port))
				}
			}
			continue
		}
		if ip != nil && ip.IsLoopback() {
			continue
		}
		addrs = append(addrs, fmt.Sprintf("/ip4/%s/tcp/%s", host, port))
	}
	return addrs
}

func interfaceIPs() []net.IP {
	var ips []net.IP
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			ips = append(ips, v4)
		}
	}
	return ips
}

// Peers returns the current roster, this handle excluded.
func (d *DHT) Peers() []PeerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peers := make([]PeerInfo, 0, len(d.peers))
	for id, addr := range d.peers {
		peers = append(peers, PeerInfo{ID: id, Addr: addr})
	}
	return peers
}

// NumPeers counts the known peers, this handle included.
func (d *DHT) NumPeers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers) + 1
}

// Store writes a record locally and replicates it to every known peer.
// Replication is best effort and detached from ctx so it survives the
// caller moving on; each request is still bounded by the wait timeout.
func (d *DHT) Store(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rec := record{Value: value, Expires: time.Now().Add(ttl)}
	d.mu.Lock()
	d.records[key] = rec
	d.mu.Unlock()

	body, err := json.Marshal(storeRequest{Value: value, Expires: rec.Expires})
	if err != nil {
		return err
	}
	rctx := context.WithoutCancel(ctx)
	for _, p := range d.Peers() {
		p := p
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.replicate(rctx, p, key, body); err != nil {
				d.log.Debug("record replication failed", "peer", p.ID, "key", key, "error", err)
			}
		}()
	}
	return nil
}

func (d *DHT) replicate(ctx context.Context, p PeerInfo, key string, body []byte) error {
	host, err := dialAddr(p.Addr)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s/records/%s", host, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer answered %s", resp.Status)
	}
	return nil
}

// Get returns the value of an unexpired record.
func (d *DHT) Get(key string) ([]byte, bool) {
	d.mu.RLock()
	rec, ok := d.records[key]
	d.mu.RUnlock()
	if !ok || time.Now().After(rec.Expires) {
		return nil, false
	}
	return rec.Value, true
}

// GetPrefix returns all unexpired records whose key starts with prefix.
func (d *DHT) GetPrefix(prefix string) map[string][]byte {
	now := time.Now()
	out := make(map[string][]byte)
	d.mu.RLock()
	defer d.mu.RUnlock()
	for key, rec := range d.records {
		if strings.HasPrefix(key, prefix) && now.Before(rec.Expires) {
			out[key] = rec.Value
		}
	}
	return out
}

func (d *DHT) addPeer(id, addr string) bool {
	if id == "" || id == d.id {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.peers[id]; ok && prev == addr {
		return false
	}
	d.peers[id] = addr
	return true
}

func (d *DHT) bootstrap() {
	for _, peerAddr := range d.initialPeers {
		join := func() error {
			return d.join(peerAddr)
		}
		var err error
		if d.bootstrapTimeout > 0 {
			policy := backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(d.bootstrapTimeout))
			err = backoff.Retry(join, policy)
		} else {
			err = join()
		}
		if err != nil {
			d.log.Error("could not join initial peer", "peer", peerAddr, "error", err)
		}
	}
}

// join announces this handle to the peer at addr and merges its roster.
func (d *DHT) join(addr string) error {
	host, err := dialAddr(addr)
	if err != nil {
		return err
	}
	self := d.selfInfo()
	body, err := json.Marshal(self)
	if err != nil {
		return err
	}
	resp, err := d.client.Post(fmt.Sprintf("http://%s/join", host), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer answered %s", resp.Status)
	}
	var reply joinReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return err
	}
	d.addPeer(reply.ID, addr)
	for id, peerAddr := range reply.Peers {
		if d.addPeer(id, peerAddr) {
			// announce ourselves to roster members learned second hand
			d.wg.Add(1)
			go func(peerAddr string) {
				defer d.wg.Done()
				if err := d.join(peerAddr); err != nil {
					d.log.Debug("announce to learned peer failed", "peer", peerAddr, "error", err)
				}
			}(peerAddr)
		}
	}
	d.log.Info("joined peer", "peer", reply.ID, "addr", addr)
	return nil
}

func (d *DHT) selfInfo() PeerInfo {
	addr := ""
	if visible := d.VisibleAddrs(); len(visible) > 0 {
		addr = visible[0]
	} else if bound := d.BoundAddrs(); len(bound) > 0 {
		addr = bound[0]
	}
	return PeerInfo{ID: d.id, Addr: addr}
}

// Shutdown stops the server, the announcer and all background work. It is
// safe to call more than once.
func (d *DHT) Shutdown() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if d.disco != nil {
		errs = append(errs, d.disco.close())
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.waitTimeout)
	defer cancel()
	errs = append(errs, d.server.Shutdown(ctx))
	d.wg.Wait()
	d.log.Info("peer handle stopped", "id", d.id)
	return errors.Join(errs...)
}

// splitMultiaddr extracts host, port and transport protocol from a
// multiaddr such as /ip4/0.0.0.0/tcp/0.
func splitMultiaddr(addr string) (host, port, proto string, err error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", "", "", err
	}
	host, err = maddr.ValueForProtocol(ma.P_IP4)
	if err != nil {
		if host, err = maddr.ValueForProtocol(ma.P_IP6); err != nil {
			return "", "", "", fmt.Errorf("no ip component: %w", err)
		}
	}
	if port, err = maddr.ValueForProtocol(ma.P_TCP); err == nil {
		return host, port, "tcp", nil
	}
	if port, err = maddr.ValueForProtocol(ma.P_UDP); err == nil {
		return host, port, "udp", nil
	}
	return "", "", "", fmt.Errorf("no tcp or udp component in %q", addr)
}

// dialAddr turns a peer address, multiaddr or host:port, into host:port.
func dialAddr(addr string) (string, error) {
	if !strings.HasPrefix(addr, "/") {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return "", fmt.Errorf("not a dialable address %q: %w", addr, err)
		}
		return addr, nil
	}
	host, port, proto, err := splitMultiaddr(addr)
	if err != nil {
		return "", err
	}
	if proto != "tcp" {
		return "", fmt.Errorf("cannot dial %s address %q", proto, addr)
	}
	return net.JoinHostPort(host, port), nil
}
