// Package push fans change notifications out to connected devices over
// websockets. Connections are indexed by user so a commit in a zone can be
// announced to every device of every user with access, except the device
// that made the change.
package push

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dmitrijs2005/carelog/internal/logging"
)

// Notification is the wire payload delivered on the websocket.
type Notification struct {
	ID     string    `json:"id"`
	ZoneID string    `json:"zone_id"`
	Reason string    `json:"reason,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// Client is one connected device socket.
type Client struct {
	UserID   string
	DeviceID string

	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	once sync.Once
}

// Hub tracks connected clients and broadcasts notifications.
type Hub struct {
	log logging.Logger

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	sendBuffer int

	mu        sync.RWMutex
	userIndex map[string]map[*Client]struct{}
}

type Options struct {
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
	SendBuffer int
}

func NewHub(log logging.Logger, opts Options) *Hub {
	if opts.WriteWait == 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.PongWait == 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingPeriod == 0 {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	if opts.SendBuffer == 0 {
		opts.SendBuffer = 32
	}
	return &Hub{
		log:        log.With("component", "push"),
		writeWait:  opts.WriteWait,
		pongWait:   opts.PongWait,
		pingPeriod: opts.PingPeriod,
		sendBuffer: opts.SendBuffer,
		userIndex:  make(map[string]map[*Client]struct{}),
	}
}

// Register attaches an upgraded connection to the hub and starts its pumps.
func (h *Hub) Register(userID, deviceID string, conn *websocket.Conn) *Client {
	c := &Client{
		UserID:   userID,
		DeviceID: deviceID,
		conn:     conn,
		send:     make(chan []byte, h.sendBuffer),
		hub:      h,
	}

	h.mu.Lock()
	if h.userIndex[userID] == nil {
		h.userIndex[userID] = make(map[*Client]struct{})
	}
	h.userIndex[userID][c] = struct{}{}
	h.mu.Unlock()

	h.log.Info(context.Background(), "device connected", "user", userID, "device", deviceID)

	go c.writePump()
	go c.readPump()
	return c
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if clients, ok := h.userIndex[c.UserID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.userIndex, c.UserID)
		}
	}
	// closed under the same lock Notify sends under, so a concurrent
	// broadcast can never write to a closed channel
	c.once.Do(func() { close(c.send) })
	h.mu.Unlock()
	_ = c.conn.Close()
	h.log.Info(context.Background(), "device disconnected", "user", c.UserID, "device", c.DeviceID)
}

// Notify delivers a change notice for zoneID to every connected device of
// the given users, skipping the device that caused the change. Slow clients
// are skipped rather than awaited.
func (h *Hub) Notify(zoneID, reason, excludeDeviceID string, userIDs []string) {
	n := Notification{
		ID:     uuid.NewString(),
		ZoneID: zoneID,
		Reason: reason,
		SentAt: time.Now().UTC(),
	}
	data, err := json.Marshal(n)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool, len(userIDs))
	for _, userID := range userIDs {
		if seen[userID] {
			continue
		}
		seen[userID] = true
		for c := range h.userIndex[userID] {
			if c.DeviceID == excludeDeviceID {
				continue
			}
			select {
			case c.send <- data:
			default:
				h.log.Warn(context.Background(), "push buffer full, skipping device",
					"user", c.UserID, "device", c.DeviceID)
			}
		}
	}
}

// ConnectedDevices counts open sockets for a user.
func (h *Hub) ConnectedDevices(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userIndex[userID])
}

func (c *Client) readPump() {
	defer c.hub.unregister(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	})

	for {
		// inbound frames are ignored, reading only services control frames
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(time.Second))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
