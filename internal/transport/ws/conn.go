package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errConnectionClosed = errors.New("connection closed")

// connection is one WebSocket client and the runs it started.
type connection struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	runs      map[string]struct{}
}

func newConnection(id string, conn *websocket.Conn) *connection {
	return &connection{
		id:   id,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		runs: make(map[string]struct{}),
	}
}

// enqueue blocks until the writer takes msg or the connection closes, so a
// slow client slows its runs down instead of growing a buffer.
func (c *connection) enqueue(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnectionClosed
	}
}

func (c *connection) addRun(runID string) {
	c.mu.Lock()
	c.runs[runID] = struct{}{}
	c.mu.Unlock()
}

func (c *connection) removeRun(runID string) {
	c.mu.Lock()
	delete(c.runs, runID)
	c.mu.Unlock()
}

func (c *connection) ownsRun(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[runID]
	return ok
}

func (c *connection) activeRuns() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}
	return ids
}

// close stops the writer and closes the socket. Safe to call more than once.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func now() int64 {
	return time.Now().UnixMilli()
}
