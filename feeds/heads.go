package feeds

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// HEAD WATCHER - New block notifications over websocket
// ═══════════════════════════════════════════════════════════════════════════════
//
// Subscribes to eth_subscribe("newHeads") and publishes block numbers so the
// control loop can tick on new blocks instead of only on a timer.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	headReconnectDelay = 5 * time.Second
	headPingInterval   = 30 * time.Second
)

// HeadWatcher maintains the websocket subscription and distributes heads.
type HeadWatcher struct {
	mu sync.RWMutex

	wsURL     string
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	heads     chan uint64
	lastBlock uint64
}

// IsWebsocketURL reports whether the node URL supports subscriptions.
func IsWebsocketURL(url string) bool {
	return strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://")
}

// NewHeadWatcher creates a watcher for a ws:// or wss:// node URL.
func NewHeadWatcher(wsURL string) *HeadWatcher {
	return &HeadWatcher{
		wsURL:  wsURL,
		stopCh: make(chan struct{}),
		heads:  make(chan uint64, 1),
	}
}

// Heads delivers the latest block number; stale heads are dropped.
func (h *HeadWatcher) Heads() <-chan uint64 {
	return h.heads
}

// LastBlock returns the newest block number seen.
func (h *HeadWatcher) LastBlock() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastBlock
}

// Start connects and begins processing.
func (h *HeadWatcher) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.connectionLoop()
	log.Info().Msg("📡 Head watcher started")
}

// Stop closes the connection.
func (h *HeadWatcher) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}

	h.running = false
	close(h.stopCh)

	if h.conn != nil {
		h.conn.Close()
	}

	log.Info().Msg("Head watcher stopped")
}

func (h *HeadWatcher) connectionLoop() {
	for {
		select {
		case <-h.stopCh:
			return
		default:
		}

		if err := h.connect(); err != nil {
			log.Error().Err(err).Msg("Head subscription failed, retrying...")
			if !h.sleep(headReconnectDelay) {
				return
			}
			continue
		}

		h.readLoop()
		if !h.sleep(headReconnectDelay) {
			return
		}
	}
}

func (h *HeadWatcher) sleep(d time.Duration) bool {
	select {
	case <-h.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

type subscribeRequest struct {
	JSONRPC string   `json:"jsonrpc"`
	ID      int      `json:"id"`
	Method  string   `json:"method"`
	Params  []string `json:"params"`
}

func (h *HeadWatcher) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL, nil)
	if err != nil {
		return err
	}

	req := subscribeRequest{JSONRPC: "2.0", ID: 1, Method: "eth_subscribe", Params: []string{"newHeads"}}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return err
	}

	h.mu.Lock()
	h.conn = conn
	h.connected = true
	h.mu.Unlock()

	log.Info().Msg("🔌 Head subscription connected")

	go h.pingLoop(conn)

	return nil
}

func (h *HeadWatcher) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(headPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.mu.RLock()
			current := h.conn
			connected := h.connected
			h.mu.RUnlock()

			if current != conn || !connected {
				return
			}
			h.mu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			h.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *HeadWatcher) readLoop() {
	for {
		select {
		case <-h.stopCh:
			return
		default:
		}

		h.mu.RLock()
		conn := h.conn
		h.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Head read error")
			h.mu.Lock()
			h.connected = false
			h.conn = nil
			h.mu.Unlock()
			conn.Close()
			return
		}

		if block, ok := parseHead(message); ok {
			h.publish(block)
		}
	}
}

type headNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Number string `json:"number"`
		} `json:"result"`
	} `json:"params"`
}

// parseHead extracts the block number from an eth_subscription message.
func parseHead(data []byte) (uint64, bool) {
	var msg headNotification
	if err := json.Unmarshal(data, &msg); err != nil {
		return 0, false
	}
	if msg.Method != "eth_subscription" || msg.Params.Result.Number == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(msg.Params.Result.Number, "0x"), 16, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (h *HeadWatcher) publish(block uint64) {
	h.mu.Lock()
	if block <= h.lastBlock {
		h.mu.Unlock()
		return
	}
	h.lastBlock = block
	h.mu.Unlock()

	// Keep only the newest head.
	select {
	case <-h.heads:
	default:
	}
	select {
	case h.heads <- block:
	default:
	}

	log.Debug().Uint64("block", block).Msg("⛓️ New head")
}
