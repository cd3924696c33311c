package vsr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	raftEndpoint     = "/internal/vsr/raft"
	transportTimeout = 3 * time.Second
	maxSendRetries   = 3
	retryDelay       = 100 * time.Millisecond
)

// HTTPTransport sends Raft messages to peers over HTTP POST, grounded on
// teacher's pkg/raftadapter.Transport.
type HTTPTransport struct {
	mu     sync.RWMutex
	peers  map[uint64]string
	client *http.Client
}

// NewHTTPTransport builds a transport over the given peer address table.
func NewHTTPTransport(peers map[uint64]string) *HTTPTransport {
	return &HTTPTransport{peers: peers, client: &http.Client{Timeout: transportTimeout}}
}

func (t *HTTPTransport) AddPeer(id uint64, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = addr
}

func (t *HTTPTransport) RemovePeer(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

func (t *HTTPTransport) UpdatePeer(id uint64, addr string) {
	t.AddPeer(id, addr)
}

func (t *HTTPTransport) Send(msg raftpb.Message) error {
	t.mu.RLock()
	addr, ok := t.peers[msg.To]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("vsr: unknown peer %d", msg.To)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("vsr: marshal raft message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxSendRetries; attempt++ {
		if err := t.post(addr+raftEndpoint, body); err != nil {
			lastErr = err
			slog.Warn("vsr: send raft message failed, retrying",
				"attempt", attempt+1, "to", msg.To, "type", msg.Type, "error", err)
			time.Sleep(retryDelay * time.Duration(attempt+1))
			continue
		}
		return nil
	}
	return fmt.Errorf("vsr: send after %d retries: %w", maxSendRetries, lastErr)
}

func (t *HTTPTransport) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("vsr: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("vsr: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vsr: unexpected status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// Endpoint is the path internal/httpapi registers the incoming Raft
// message handler under, returning raftEndpoint so both sides agree
// without a shared constant leaking across packages.
func Endpoint() string { return raftEndpoint }
