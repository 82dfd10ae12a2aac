package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/couikit/devtools/inspector"
	"github.com/couikit/devtools/protocol"
)

// conn owns one websocket attachment. Inbound frames are handled on the
// read loop; responses and events accumulate in an ordered queue that a
// ticker flushes once per frame interval, so a burst of mutations costs
// one write instead of dozens.
type conn struct {
	ws         *websocket.Conn
	flushEvery time.Duration
	logger     *slog.Logger
	observer   Observer
	sessionID  string

	queueMu sync.Mutex
	queue   [][]byte

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newConn(ws *websocket.Conn, flushEvery time.Duration, logger *slog.Logger) *conn {
	return &conn{
		ws:         ws,
		flushEvery: flushEvery,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// serve runs the read loop until the peer goes away, then tears the
// session down. The flush loop runs alongside it.
func (c *conn) serve(session *inspector.Session) {
	go c.flushLoop()
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		if kind != websocket.TextMessage {
			continue
		}
		c.handleFrame(session, data)
	}
	c.close()
	session.Disconnect()
	c.flush()
	_ = c.ws.Close()
}

// handleFrame accepts a single command object or a JSON array of them.
func (c *conn) handleFrame(session *inspector.Session, data []byte) {
	if len(data) > 0 && data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			c.logger.Warn("dropping malformed command batch", "error", err)
			return
		}
		for _, cmd := range batch {
			c.handleCommand(session, cmd)
		}
		return
	}
	c.handleCommand(session, data)
}

func (c *conn) handleCommand(session *inspector.Session, data []byte) {
	if c.observer != nil {
		if req, err := protocol.Decode(data); err == nil {
			c.observer.Command(c.sessionID, req.Method, req.Params)
		}
	}
	resp, ok := session.HandleCommand(data)
	if !ok {
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("encoding response", "error", err)
		return
	}
	c.enqueue(body)
}

// enqueueEvent is the session's emit callback.
func (c *conn) enqueueEvent(ev protocol.Event) {
	if c.observer != nil {
		c.observer.Event(c.sessionID, ev.Method)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		c.logger.Warn("encoding event", "method", ev.Method, "error", err)
		return
	}
	c.enqueue(body)
}

func (c *conn) enqueue(frame []byte) {
	c.queueMu.Lock()
	c.queue = append(c.queue, frame)
	c.queueMu.Unlock()
}

func (c *conn) flushLoop() {
	ticker := time.NewTicker(c.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.done:
			return
		}
	}
}

// flush drains the queue in order, one websocket frame per message.
func (c *conn) flush() {
	c.queueMu.Lock()
	pending := c.queue
	c.queue = nil
	c.queueMu.Unlock()
	if len(pending) == 0 {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, frame := range pending {
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.logger.Debug("write frame", "error", err)
			return
		}
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}
