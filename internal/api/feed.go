package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xtrntr/auction/internal/models"
	"go.uber.org/zap"
)

const (
	// Time allowed to write one message to a subscriber
	defaultWriteWait = 10 * time.Second
	// Messages queued per subscriber before it is dropped
	defaultSendBuffer = 16
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Feed pushes freshly ingested reference prices to websocket subscribers.
// Publishing never blocks: each subscriber has its own queue and writer,
// and a subscriber whose queue is full is disconnected.
type Feed struct {
	upgrader   websocket.Upgrader
	clients    map[*wsClient]bool
	clientsMu  sync.RWMutex
	writeWait  time.Duration
	sendBuffer int
	logger     *zap.Logger
}

type priceUpdate struct {
	Table string      `json:"table"`
	Rows  interface{} `json:"rows"`
}

// NewFeed creates a feed. Upgrades are accepted from any origin when
// allowedOrigins is empty or contains "*".
func NewFeed(allowedOrigins []string, logger *zap.Logger) *Feed {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Feed{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 || allowed["*"] {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
		clients:    make(map[*wsClient]bool),
		writeWait:  defaultWriteWait,
		sendBuffer: defaultSendBuffer,
		logger:     logger.Named("feed"),
	}
}

// ServeHTTP upgrades the connection and keeps it registered until the
// client goes away
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, f.sendBuffer),
		done: make(chan struct{}),
	}
	f.clientsMu.Lock()
	f.clients[client] = true
	f.clientsMu.Unlock()

	go f.writePump(client)

	// Subscribers only listen; reading detects disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			f.remove(client)
			return
		}
	}
}

// Clients returns the number of connected subscribers
func (f *Feed) Clients() int {
	f.clientsMu.RLock()
	defer f.clientsMu.RUnlock()
	return len(f.clients)
}

// PublishMarketIndex sends market index rows to all subscribers
func (f *Feed) PublishMarketIndex(prices []models.ReferencePrice) {
	rows := make([]marketIndexResponse, 0, len(prices))
	for _, p := range prices {
		rows = append(rows, marketIndexResponse{Date: p.Date.Format(models.DateLayout), Period: p.Slot, Price: p.Price, Volume: p.Volume})
	}
	f.broadcast(priceUpdate{Table: "market_index", Rows: rows})
}

// PublishImbalancePrices sends imbalance price rows to all subscribers
func (f *Feed) PublishImbalancePrices(prices []models.ImbalancePrice) {
	rows := make([]imbalancePriceResponse, 0, len(prices))
	for _, p := range prices {
		rows = append(rows, imbalancePriceResponse{Date: p.Date.Format(models.DateLayout), Period: p.Slot, Price: p.Price})
	}
	f.broadcast(priceUpdate{Table: "imbalance_prices", Rows: rows})
}

// Close disconnects all subscribers
func (f *Feed) Close() {
	for _, client := range f.snapshot() {
		f.remove(client)
	}
}

func (f *Feed) broadcast(update priceUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		f.logger.Error("Failed to marshal price update", zap.Error(err))
		return
	}

	for _, client := range f.snapshot() {
		select {
		case client.send <- data:
		default:
			f.logger.Warn("Dropping slow subscriber", zap.String("remote", client.conn.RemoteAddr().String()))
			f.remove(client)
		}
	}
}

func (f *Feed) writePump(client *wsClient) {
	for {
		select {
		case <-client.done:
			return
		case data := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(f.writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				f.logger.Debug("Failed to send price update", zap.Error(err))
				f.remove(client)
				return
			}
		}
	}
}

func (f *Feed) snapshot() []*wsClient {
	f.clientsMu.RLock()
	defer f.clientsMu.RUnlock()
	clients := make([]*wsClient, 0, len(f.clients))
	for client := range f.clients {
		clients = append(clients, client)
	}
	return clients
}

func (f *Feed) remove(client *wsClient) {
	f.clientsMu.Lock()
	present := f.clients[client]
	delete(f.clients, client)
	f.clientsMu.Unlock()

	if present {
		close(client.done)
		client.conn.Close()
	}
}
