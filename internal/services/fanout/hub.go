// Package fanout implements the Event Fan-out component (spec §4.G): bounded
// per-subscriber broadcast over WebSocket for the jobs, robots and
// queue-metrics topics, generalized from the job manager's single-topic
// broadcast hub.
package fanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/casarerpa/orchestrator/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Topic names the event fan-out streams of spec §4.G / §6.
type Topic string

const (
	TopicJobs        Topic = "jobs"
	TopicRobots      Topic = "robots"
	TopicQueueMetrics Topic = "queue-metrics"
	TopicActivity    Topic = "activity"
)

// Hub manages subscribers for a single topic and broadcasts events to them.
// A subscriber whose buffer is full never blocks publishers: on the
// queue-metrics and activity topics its oldest buffered event is dropped to
// make room, and on the jobs and robots topics it is disconnected.
type Hub struct {
	topic      Topic
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *logging.Logger
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a fan-out hub for one topic.
func NewHub(topic Topic, logger *logging.Logger) *Hub {
	return &Hub{
		topic:      topic,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's event loop. Call as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Debug().Str("topic", string(h.topic)).Int("clients", len(h.clients)).Msg("fan-out subscriber connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug().Str("topic", string(h.topic)).Int("clients", len(h.clients)).Msg("fan-out subscriber disconnected")

		case data := <-h.broadcast:
			h.mu.RLock()
			var slow []*client
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					if h.topic == TopicQueueMetrics || h.topic == TopicActivity {
						// Drop this subscriber's oldest buffered event to make room.
						select {
						case <-c.send:
						default:
						}
						select {
						case c.send <- data:
						default:
						}
						continue
					}
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()

			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					delete(h.clients, c)
					close(c.send)
				}
				h.mu.Unlock()
				h.logger.Warn().Str("topic", string(h.topic)).Int("dropped", len(slow)).Msg("fan-out subscriber too slow, disconnected")
			}
		}
	}
}

// Stop signals the hub's event loop to exit.
func (h *Hub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Publish marshals event and broadcasts it to every subscriber. If the
// internal broadcast channel is saturated, the event is dropped rather than
// blocking the caller (e.g. the queue manager on a job state change).
func (h *Hub) Publish(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", string(h.topic)).Msg("failed to marshal fan-out event")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Str("topic", string(h.topic)).Msg("fan-out broadcast channel full, dropping event")
	}
}

// ServeWS upgrades an HTTP connection and registers it as a subscriber.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", string(h.topic)).Msg("fan-out websocket upgrade failed")
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Fanout owns one Hub per topic and is the single object wired into the
// queue manager, registry and dispatcher for event publication.
type Fanout struct {
	jobs     *Hub
	robots   *Hub
	queue    *Hub
	activity *Hub
}

// New creates a Fanout with one hub per topic and starts their event loops.
func New(logger *logging.Logger) *Fanout {
	f := &Fanout{
		jobs:     NewHub(TopicJobs, logger),
		robots:   NewHub(TopicRobots, logger),
		queue:    NewHub(TopicQueueMetrics, logger),
		activity: NewHub(TopicActivity, logger),
	}
	go f.jobs.Run()
	go f.robots.Run()
	go f.queue.Run()
	go f.activity.Run()
	return f
}

func (f *Fanout) Jobs() *Hub     { return f.jobs }
func (f *Fanout) Robots() *Hub   { return f.robots }
func (f *Fanout) Queue() *Hub    { return f.queue }
func (f *Fanout) Activity() *Hub { return f.activity }

// Stop shuts down every topic hub's event loop.
func (f *Fanout) Stop() {
	f.jobs.Stop()
	f.robots.Stop()
	f.queue.Stop()
	f.activity.Stop()
}
