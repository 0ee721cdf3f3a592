package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"gatewarden/pkg/protocol"
)

const maxFrameBytes = 1 << 20

type wsConn struct {
	conn *websocket.Conn
}

// NewWebsocketConn adapts a websocket connection to Conn.
func NewWebsocketConn(conn *websocket.Conn) Conn {
	conn.SetReadLimit(maxFrameBytes)
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(ctx context.Context) (protocol.Message, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("%w: binary frame", protocol.ErrMalformed)
	}
	return protocol.Decode(data)
}

func (c *wsConn) Write(ctx context.Context, msg protocol.Message) error {
	return wsjson.Write(ctx, c.conn, msg)
}

func (c *wsConn) Close(status websocket.StatusCode, reason string) error {
	return c.conn.Close(status, reason)
}

// Handler accepts gateway websocket connections and serves them until they
// close. Origins are not checked; gateways are not browsers.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			r.log.Warn().Err(err).Msg("websocket accept")
			return
		}
		if err := r.ServeConn(req.Context(), NewWebsocketConn(conn)); err != nil {
			r.log.Debug().Err(err).Msg("gateway connection ended")
		}
	})
}
