package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Hub fans broadcast messages out to websocket subscribers. Delivery is best-effort: a
// subscriber whose queue is full or whose write fails is disconnected and removed.
type Hub struct {
	log *log.Logger

	upgrader     websocket.Upgrader
	queueSize    int
	writeTimeout time.Duration
	nextID       atomic.Uint64

	mu     sync.Mutex
	subs   map[string]*subscriber
	closed bool

	sent   atomic.Uint64
	pruned atomic.Uint64
}

type subscriber struct {
	id     string
	out    chan []byte
	cancel context.CancelFunc
	close  func()
}

type Stats struct {
	Subscribers int    `json:"subscribers"`
	SentTotal   uint64 `json:"sent_total"`
	PrunedTotal uint64 `json:"pruned_total"`
}

func NewHub(logger *log.Logger, queueSize int, writeTimeout time.Duration) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Hub{
		log:          logger,
		queueSize:    queueSize,
		writeTimeout: writeTimeout,
		subs:         map[string]*subscriber{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sub := &subscriber{
			id:     fmt.Sprintf("S%d", h.nextID.Add(1)),
			out:    make(chan []byte, h.queueSize),
			cancel: cancel,
			close: func() {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(time.Second))
				_ = conn.Close()
			},
		}
		if !h.add(sub) {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		}
		defer h.remove(sub.id)

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sub.out:
					_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						h.prune(sub.id, err)
						writeErr <- err
						return
					}
					h.sent.Add(1)
				}
			}
		}()

		// Reader loop: subscribers do not send anything meaningful; reading detects disconnects.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		cancel()
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (h *Hub) add(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[s.id] = s
	return true
}

func (h *Hub) remove(id string) *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.subs[id]
	delete(h.subs, id)
	return s
}

func (h *Hub) prune(id string, reason error) {
	s := h.remove(id)
	if s == nil {
		return
	}
	h.pruned.Add(1)
	h.log.Printf("ws: drop subscriber %s: %v", id, reason)
	s.cancel()
	s.close()
}

var errQueueFull = errors.New("send queue full")

// Broadcast sends v as JSON to every subscriber and returns how many accepted it.
func (h *Hub) Broadcast(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		h.log.Printf("ws: marshal broadcast: %v", err)
		return 0
	}
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	n := 0
	for _, s := range subs {
		select {
		case s.out <- b:
			n++
		default:
			h.prune(s.id, errQueueFull)
		}
	}
	return n
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Stats() Stats {
	return Stats{Subscribers: h.Count(), SentTotal: h.sent.Load(), PrunedTotal: h.pruned.Load()}
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = map[string]*subscriber{}
	h.mu.Unlock()
	for _, s := range subs {
		s.cancel()
		s.close()
	}
}
