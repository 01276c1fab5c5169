package mesh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPSender is the production Sender: it POSTs an encoded gossip frame
// to a peer's advertised address over HTTP, the same plain net/http
// client/mux style the rest of this module's authority-node server
// uses rather than a bespoke TCP protocol.
type HTTPSender struct {
	client *http.Client
	path   string // e.g. "/gossip"
}

// NewHTTPSender builds an HTTPSender with the given RPC timeout.
func NewHTTPSender(timeout time.Duration, path string) *HTTPSender {
	if path == "" {
		path = "/gossip"
	}
	return &HTTPSender{client: &http.Client{Timeout: timeout}, path: path}
}

func (s *HTTPSender) SendTo(ctx context.Context, peer *Peer, frame []byte) error {
	url := "http://" + peer.Address + s.path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("mesh: build gossip request to %s: %w", peer.Address, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("mesh: send gossip frame to %s: %w", peer.Address, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mesh: peer %s rejected gossip frame: status %d", peer.Address, resp.StatusCode)
	}
	return nil
}

// HTTPReceiverHandler returns an http.HandlerFunc that decodes an
// incoming gossip frame and dispatches it to h.Handle. fromPeer
// resolves the sending peer's id from the request (e.g. a header set
// by the caller); a zero UUID is treated as coming from an unverified
// source and rejected by Handle.
func HTTPReceiverHandler(h *Handler, fromPeer func(*http.Request) uuid.UUID) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
			return
		}

		msg, err := DecodeFrame(body)
		if err != nil {
			http.Error(w, "decode frame: "+err.Error(), http.StatusBadRequest)
			return
		}

		peerID := fromPeer(r)
		if err := h.Handle(r.Context(), peerID, msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}

// PeerHeaderFromPeer reads the sending peer id from the
// X-HandReceipt-Peer-ID header, the simplest possible peer-identification
// scheme for a reference deployment (production deployments should
// authenticate the TLS client certificate or a signed header instead).
func PeerHeaderFromPeer(r *http.Request) uuid.UUID {
	id, err := uuid.Parse(r.Header.Get("X-HandReceipt-Peer-ID"))
	if err != nil {
		return uuid.Nil
	}
	return id
}
