package connector

import (
	"bufio"
	"context"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/milkywaybrain/tradelog/internal/config"
)

// Websocket is for websocket connection.
type Websocket struct {
	Conn net.Conn
	Cfg  *config.WS
	rw   io.ReadWriter
}

type bufferedConn struct {
	*bufio.Reader
	net.Conn
}

func (b bufferedConn) Read(p []byte) (int, error) {
	return b.Reader.Read(p)
}

// NewWebsocket creates a new websocket connection for the exchange.
func NewWebsocket(appCtx context.Context, cfg *config.WS, url string) (Websocket, error) {
	ctx := appCtx
	if cfg.ConnTimeoutSec > 0 {
		timeoutCtx, cancel := context.WithTimeout(appCtx, time.Duration(cfg.ConnTimeoutSec)*time.Second)
		ctx = timeoutCtx
		defer cancel()
	}
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return Websocket{}, err
	}

	// Frames sent by the server right after the handshake may already sit in the handshake reader.
	var rw io.ReadWriter = conn
	if br != nil {
		rw = bufferedConn{Reader: br, Conn: conn}
	}
	return Websocket{Conn: conn, Cfg: cfg, rw: rw}, nil
}

// Write writes data frame on websocket connection.
func (w *Websocket) Write(data []byte) error {
	return wsutil.WriteClientText(w.Conn, data)
}

// Read reads data frame from websocket connection.
// Control frames (ping, close) are answered by the underlying library.
func (w *Websocket) Read() ([]byte, error) {
	if w.Cfg.ReadTimeoutSec > 0 {
		err := w.Conn.SetReadDeadline(time.Now().Add(time.Duration(w.Cfg.ReadTimeoutSec) * time.Second))
		if err != nil {
			return nil, err
		}
	}
	return wsutil.ReadServerText(w.rw)
}

// Close sends a close frame and closes the connection.
func (w *Websocket) Close() error {
	_ = ws.WriteFrame(w.Conn, ws.MaskFrameInPlace(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
	return w.Conn.Close()
}
