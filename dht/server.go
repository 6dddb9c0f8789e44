package dht

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

type storeRequest struct {
	Value   []byte    `json:"value"`
	Expires time.Time `json:"expires"`
}

type joinReply struct {
	ID    string            `json:"id"`
	Addr  string            `json:"addr"`
	Peers map[string]string `json:"peers"`
}

func (d *DHT) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/join", d.handleJoin).Methods(http.MethodPost)
	r.HandleFunc("/peers", d.handlePeers).Methods(http.MethodGet)
	r.HandleFunc("/records/{key:.+}", d.handlePutRecord).Methods(http.MethodPut)
	r.HandleFunc("/records/{key:.+}", d.handleGetRecord).Methods(http.MethodGet)
	return r
}

func (d *DHT) handleJoin(w http.ResponseWriter, r *http.Request) {
	var peer PeerInfo
	if err := json.NewDecoder(r.Body).Decode(&peer); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	added := d.addPeer(peer.ID, peer.Addr)
	if added {
		d.log.Info("peer joined", "peer", peer.ID, "addr", peer.Addr)
	}

	d.mu.RLock()
	roster := make(map[string]string, len(d.peers))
	for id, addr := range d.peers {
		if id != peer.ID {
			roster[id] = addr
		}
	}
	d.mu.RUnlock()

	if added && d.useRelay {
		// relay the newcomer to the rest of the roster so it becomes
		// reachable without a direct join
		body, err := json.Marshal(peer)
		if err == nil {
			for id, addr := range roster {
				id, addr := id, addr
				d.wg.Add(1)
				go func() {
					defer d.wg.Done()
					host, err := dialAddr(addr)
					if err != nil {
						return
					}
					resp, err := d.client.Post("http://"+host+"/join", "application/json", bytes.NewReader(body))
					if err != nil {
						d.log.Debug("relay failed", "peer", id, "error", err)
						return
					}
					resp.Body.Close()
				}()
			}
		}
	}

	self := d.selfInfo()
	writeJSON(w, joinReply{ID: self.ID, Addr: self.Addr, Peers: roster})
}

func (d *DHT) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.Peers())
}

func (d *DHT) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req storeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.mu.Lock()
	d.records[key] = record{Value: req.Value, Expires: req.Expires}
	d.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (d *DHT) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	value, ok := d.Get(key)
	if !ok {
		http.NotFound(w, r)
		return
	}
	d.mu.RLock()
	rec := d.records[key]
	d.mu.RUnlock()
	writeJSON(w, storeRequest{Value: value, Expires: rec.Expires})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
