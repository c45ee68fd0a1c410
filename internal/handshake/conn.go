package handshake

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies a wire message
type MessageType string

const (
	TypeStartInfo MessageType = "start_info" // watchdog -> child, once
	TypeQuery     MessageType = "query"
	TypeReply     MessageType = "reply"
	TypeShutdown  MessageType = "shutdown" // watchdog -> child
)

// Message is one line on the wire
type Message struct {
	Type  MessageType     `json:"type"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
}

// ExitStatus is the wire form of the previous exit classification
type ExitStatus struct {
	Kind        string `json:"kind"`
	Code        int    `json:"code"`
	Signal      string `json:"signal,omitempty"`
	Description string `json:"description"`
}

// StartInfo tells a freshly started child whether and why it was restarted
type StartInfo struct {
	IsRestart       bool        `json:"is_restart"`
	RestartReason   string      `json:"restart_reason,omitempty"`
	PreviousExit    *ExitStatus `json:"previous_exit,omitempty"`
	ShutdownMessage string      `json:"shutdown_message,omitempty"`
}

// WriteTimeout bounds every write so a peer that stopped reading cannot block the sender
const WriteTimeout = 5 * time.Second

// Handler answers a query from the peer. The returned value is JSON encoded into the reply body.
type Handler func(ctx context.Context, name string, body json.RawMessage) (any, error)

// Conn is the established handshake channel. Reads happen on a dedicated
// goroutine; writes are serialized.
type Conn struct {
	conn    net.Conn
	logger  *slog.Logger
	handler Handler

	wmu          sync.Mutex
	enc          *json.Encoder
	writeTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan Message

	startInfo chan StartInfo
	shutdown  chan string

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newConn(c net.Conn, handler Handler, logger *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	hc := &Conn{
		conn:         c,
		logger:       logger,
		handler:      handler,
		enc:          json.NewEncoder(c),
		writeTimeout: WriteTimeout,
		pending:      make(map[string]chan Message),
		startInfo:    make(chan StartInfo, 1),
		shutdown:     make(chan string, 1),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go hc.readLoop()
	return hc
}

func (c *Conn) readLoop() {
	dec := json.NewDecoder(bufio.NewReader(c.conn))
	for {
		var m Message
		if err := dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			c.finish(err)
			return
		}
		c.dispatch(m)
	}
}

func (c *Conn) dispatch(m Message) {
	switch m.Type {
	case TypeReply:
		c.mu.Lock()
		ch, ok := c.pending[m.ID]
		delete(c.pending, m.ID)
		c.mu.Unlock()
		if ok {
			ch <- m
		}
	case TypeQuery:
		go c.answer(m)
	case TypeStartInfo:
		var info StartInfo
		if err := json.Unmarshal(m.Body, &info); err != nil {
			c.logger.Warn("Malformed start info", "error", err)
			return
		}
		select {
		case c.startInfo <- info:
		default:
		}
	case TypeShutdown:
		var msg string
		if len(m.Body) > 0 {
			_ = json.Unmarshal(m.Body, &msg)
		}
		select {
		case c.shutdown <- msg:
		default:
		}
	default:
		c.logger.Debug("Ignoring unknown handshake message", "type", m.Type)
	}
}

func (c *Conn) answer(q Message) {
	reply := Message{Type: TypeReply, ID: q.ID, Name: q.Name}
	if c.handler == nil {
		reply.Error = fmt.Sprintf("no handler for query %q", q.Name)
	} else if v, err := c.handler(c.ctx, q.Name, q.Body); err != nil {
		reply.Error = err.Error()
	} else if v != nil {
		body, err := json.Marshal(v)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Body = body
		}
	}
	if err := c.Send(reply); err != nil {
		c.logger.Debug("Failed to send query reply", "query", q.Name, "error", err)
	}
}

// Send writes one message
func (c *Conn) Send(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	defer c.conn.SetWriteDeadline(time.Time{})
	if err := c.enc.Encode(m); err != nil {
		return fmt.Errorf("failed to send %s message: %w", m.Type, err)
	}
	return nil
}

func (c *Conn) sendBody(t MessageType, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s body: %w", t, err)
	}
	return c.Send(Message{Type: t, Body: body})
}

// SendStartInfo sends the restart context to the child
func (c *Conn) SendStartInfo(info StartInfo) error {
	return c.sendBody(TypeStartInfo, info)
}

// SendShutdown asks the child to shut down gracefully
func (c *Conn) SendShutdown(message string) error {
	return c.sendBody(TypeShutdown, message)
}

// Query sends a named query and waits for the reply
func (c *Conn) Query(ctx context.Context, name string, body any) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query %s: %w", name, err)
	}

	id := uuid.NewString()
	ch := make(chan Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.Send(Message{Type: TypeQuery, ID: id, Name: name, Body: raw}); err != nil {
		return nil, err
	}

	select {
	case m := <-ch:
		if m.Error != "" {
			return nil, fmt.Errorf("query %s: %s", name, m.Error)
		}
		return m.Body, nil
	case <-c.done:
		return nil, fmt.Errorf("query %s: peer disconnected", name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartInfo returns the channel on which the child receives its start info
func (c *Conn) StartInfo() <-chan StartInfo {
	return c.startInfo
}

// Shutdown returns the channel on which graceful shutdown requests arrive
func (c *Conn) Shutdown() <-chan string {
	return c.shutdown
}

// Done is closed when the peer disconnects or the connection is closed
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the read error that ended the connection, nil for a clean EOF
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) finish(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.cancel()
		close(c.done)
		_ = c.conn.Close()
	})
}

// Close tears the connection down
func (c *Conn) Close() error {
	c.finish(nil)
	return nil
}
