package wsagent

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout  = 10 * time.Second
	pongWait      = 10 * time.Minute
	pingPeriod    = 30 * time.Second
	maxFrameBytes = 1 << 20
	sendBuffer    = 64
)

var errSendBufferFull = errors.New("agent send buffer full")

// Conn adapts a gorilla/websocket connection to agentfsm.Session, giving
// the agent actor a narrow Push/Done view instead of the raw socket
// (spec.md §9: "the session object is not owned by the agent actor").
type Conn struct {
	AgentID string

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, agentID string) *Conn {
	return &Conn{
		AgentID: agentID,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
}

// Push marshals v and enqueues it for delivery, satisfying agentfsm.Session.
func (c *Conn) Push(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errors.New("session closed")
	default:
		return errSendBufferFull
	}
}

// Done satisfies agentfsm.Session: closed once the connection tears down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close tears down the connection exactly once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			if err := w.Close(); err != nil {
				return
			}

		case <-c.done:
			return

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readLoop(handle func(Frame) error) {
	defer c.Close()

	c.ws.SetReadLimit(maxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if err := handle(f); err != nil {
			return
		}
	}
}
