package gossip

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader mirrors the teacher's origin-allowlist pattern from
// internal/fabric/websocket.go, generalized from tenant-facing spokes to
// inter-node peer links.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("AEGIS_ENV")
	allowedRaw := os.Getenv("AEGIS_PEER_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	return func(r *http.Request) bool { return true }
}

// ServeHTTP upgrades an inbound peer connection and registers it with the
// hub. Intended to be mounted at the node's peer-to-peer listener path.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peerHeader := r.Header.Get("X-Aegis-Peer-Id")
	if peerHeader == "" {
		http.Error(w, "missing peer id", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gossip: upgrade failed", "error", err)
		return
	}
	peerID := PeerID(peerHeader)
	link := h.RegisterPeer(peerID)
	go h.pumpWrite(conn, link)
	h.pumpRead(context.Background(), conn, peerID, link)
}

// DialPeer opens an outbound connection to a seed or discovered peer and
// registers it symmetrically to ServeHTTP's inbound path.
func (h *Hub) DialPeer(ctx context.Context, addr string, selfHeader http.Header) error {
	u := url.URL{Scheme: "wss", Host: addr, Path: "/aegis/gossip/v1"}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), selfHeader)
	if err != nil {
		return err
	}
	link := h.RegisterPeer(PeerID(addr))
	go h.pumpWrite(conn, link)
	go h.pumpRead(ctx, conn, PeerID(addr), link)
	return nil
}

func (h *Hub) pumpRead(ctx context.Context, conn *websocket.Conn, id PeerID, link *PeerLink) {
	defer func() {
		conn.Close()
		h.RemovePeer(id)
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.Receive(ctx, id, msg)
	}
}

func (h *Hub) pumpWrite(conn *websocket.Conn, link *PeerLink) {
	defer conn.Close()
	for {
		select {
		case msg, ok := <-link.Send:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-link.closed:
			return
		}
	}
}

// Bootstrap connects to every address in seeds. A missing or empty seed
// list is non-fatal (spec.md §4.11): the node logs and continues serving
// traffic in isolation rather than failing startup.
func (h *Hub) Bootstrap(ctx context.Context, seeds []string, selfHeader http.Header) {
	if len(seeds) == 0 {
		slog.Info("gossip: no bootstrap seeds configured, operating in isolation")
		return
	}
	for _, seed := range seeds {
		if err := h.DialPeer(ctx, seed, selfHeader); err != nil {
			slog.Warn("gossip: bootstrap dial failed", "seed", seed, "error", err)
			continue
		}
		slog.Info("gossip: bootstrap peer connected", "seed", seed)
	}
}
