package dht

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

const multicastIPAddress = "239.0.0.1"

const announceInterval = time.Second

// announcement is the multicast auto-discovery payload.
type announcement struct {
	Key       string `json:"key"`
	ID        string `json:"id"`
	Addr      string `json:"addr"`
	AutoRelay bool   `json:"auto_relay"`
}

// announcer periodically multicasts this handle's address and joins every
// peer it hears announcing itself.
type announcer struct {
	dht      *DHT
	key      string
	conn     *net.UDPConn
	sendConn *net.UDPConn
}

func newAnnouncer(d *DHT, port int) (*announcer, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", multicastIPAddress, port))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenMulticastUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	sendConn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &announcer{
		dht:      d,
		key:      uuid.NewString()[:8],
		conn:     conn,
		sendConn: sendConn,
	}, nil
}

func (a *announcer) start() {
	a.startListener()
	a.startDialer()
}

func (a *announcer) close() error {
	err1 := a.conn.Close()
	err2 := a.sendConn.Close()
	return errors.Join(err1, err2)
}

func (a *announcer) startListener() {
	go func() {
		buffer := make([]byte, 1024)
		for {
			n, _, err := a.conn.ReadFromUDP(buffer)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				a.dht.log.Error("discovery listener failed", "error", err)
				return
			}
			var ann announcement
			if err := json.Unmarshal(buffer[:n], &ann); err != nil {
				continue
			}
			if ann.Key == a.key {
				continue
			}
			if a.dht.addPeer(ann.ID, ann.Addr) {
				a.dht.log.Info("discovered peer", "peer", ann.ID, "addr", ann.Addr)
			}
		}
	}()
}

func (a *announcer) startDialer() {
	go func() {
		for {
			self := a.dht.selfInfo()
			payload, err := json.Marshal(announcement{
				Key:       a.key,
				ID:        self.ID,
				Addr:      self.Addr,
				AutoRelay: a.dht.useAutoRelay,
			})
			if err == nil {
				if _, err := a.sendConn.Write(payload); err != nil {
					if errors.Is(err, net.ErrClosed) {
						return
					}
					a.dht.log.Debug("announce failed", "error", err)
				}
			}
			time.Sleep(announceInterval)
		}
	}()
}
