package api

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Channels carried on the event stream.
const (
	ChannelEvent  = "event"
	ChannelStatus = "status"
)

// Hub fans agent events out to websocket clients. Every envelope gets a
// monotonic seq and is kept in a backlog so a reconnecting client can
// resume from the last seq it saw.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	seq     int64
	backlog *Backlog
	log     *slog.Logger

	// OnClients is called with the client count after every connect and
	// disconnect.
	OnClients func(n int)
	now       func() time.Time
}

// NewHub creates a hub keeping the last replaySize envelopes.
func NewHub(replaySize int, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]bool),
		backlog: NewBacklog(replaySize),
		log:     log.With(slog.String("component", "ws")),
		now:     time.Now,
	}
}

// Broadcast wraps data (already JSON) in an envelope and sends it to every
// client. Slow clients drop messages rather than block the caller.
//
//	{"channel":"event","data":{...},"ts":"...","seq":N}
func (h *Hub) Broadcast(channel string, data []byte) {
	now := h.now().UTC()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++

	buf := make([]byte, 0, len(channel)+len(data)+96)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, h.seq, 10)
	buf = append(buf, '}')

	// Replay and fan-out happen under one lock so Serve never sees an
	// envelope twice.
	h.backlog.Push(h.seq, buf)
	for c := range h.clients {
		select {
		case c.send <- buf:
		default:
		}
	}
}

// Seq returns the seq of the last broadcast envelope.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// Missed returns the buffered envelopes with seq in [from, to].
func (h *Hub) Missed(from, to int64) [][]byte {
	entries := h.backlog.Range(from, to)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// Serve registers conn and backfills every buffered envelope after lastSeq.
// A negative lastSeq skips the backfill.
func (h *Hub) Serve(conn *websocket.Conn, lastSeq int64) {
	c := &client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	// Backfill is queued before the client becomes visible to Broadcast.
	h.mu.Lock()
	if lastSeq >= 0 {
		for _, env := range h.backlog.After(lastSeq) {
			select {
			case c.send <- env:
			default:
			}
		}
	}
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client connected", slog.Int("clients", count))
	if h.OnClients != nil {
		h.OnClients(count)
	}

	go c.writePump()
	go c.readPump()
}

// remove unregisters a client.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client disconnected", slog.Int("clients", count))
	if h.OnClients != nil {
		h.OnClients(count)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
