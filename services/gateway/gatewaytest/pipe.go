// Package gatewaytest provides an in-memory gateway transport for tests.
package gatewaytest

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/websocket"

	"gatewarden/pkg/protocol"
)

// ErrClosed is returned once either end of the pipe has closed.
var ErrClosed = errors.New("gatewaytest: pipe closed")

type pipe struct {
	toServer chan []byte
	toClient chan []byte

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	status websocket.StatusCode
	reason string
}

func (p *pipe) close(status websocket.StatusCode, reason string) {
	p.once.Do(func() {
		p.mu.Lock()
		p.status, p.reason = status, reason
		p.mu.Unlock()
		close(p.done)
	})
}

// Pipe returns the server end, to hand to the registry, and the gateway end
// driven by the test.
func Pipe() (*ServerConn, *Client) {
	p := &pipe{
		toServer: make(chan []byte, 64),
		toClient: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	return &ServerConn{p: p}, &Client{p: p}
}

// ServerConn is the server side of the pipe.
type ServerConn struct {
	p *pipe
}

func (c *ServerConn) Read(ctx context.Context) (protocol.Message, error) {
	return receive(ctx, c.p, c.p.toServer)
}

func (c *ServerConn) Write(ctx context.Context, msg protocol.Message) error {
	return send(ctx, c.p, c.p.toClient, msg)
}

func (c *ServerConn) Close(status websocket.StatusCode, reason string) error {
	c.p.close(status, reason)
	return nil
}

// Client plays the gateway.
type Client struct {
	p *pipe
}

// Send writes msg to the server.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	return send(ctx, c.p, c.p.toServer, msg)
}

// Receive reads the next frame from the server.
func (c *Client) Receive(ctx context.Context) (protocol.Message, error) {
	return receive(ctx, c.p, c.p.toClient)
}

// Close hangs up from the gateway side.
func (c *Client) Close() {
	c.p.close(websocket.StatusNormalClosure, "client closed")
}

// Done is closed when either end closes.
func (c *Client) Done() <-chan struct{} { return c.p.done }

// CloseStatus returns the status and reason the pipe was closed with.
func (c *Client) CloseStatus() (websocket.StatusCode, string) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.p.status, c.p.reason
}

// Run answers server frames with fn until ctx ends or the pipe closes. PINGs
// are answered with PONG before fn sees them; a nil reply sends nothing.
func (c *Client) Run(ctx context.Context, fn func(protocol.Message) protocol.Message) error {
	for {
		msg, err := c.Receive(ctx)
		if err != nil {
			return err
		}
		var reply protocol.Message
		if _, ok := msg.(protocol.Ping); ok {
			reply = protocol.Pong{}
		} else if fn != nil {
			reply = fn(msg)
		}
		if reply == nil {
			continue
		}
		if err := c.Send(ctx, reply); err != nil {
			return err
		}
	}
}

func send(ctx context.Context, p *pipe, ch chan []byte, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case ch <- data:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func receive(ctx context.Context, p *pipe, ch chan []byte) (protocol.Message, error) {
	select {
	case data := <-ch:
		return protocol.Decode(data)
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
