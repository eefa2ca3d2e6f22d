package interpreter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsChannel struct {
	conn    *websocket.Conn
	msgType int
	wmu     sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

func newWSChannel(conn *websocket.Conn, codec Codec) *wsChannel {
	msgType := websocket.TextMessage
	if codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	return &wsChannel{conn: conn, msgType: msgType, closed: make(chan struct{})}
}

// DialWebSocket connects to a sandbox served by AcceptWebSocket.
func DialWebSocket(ctx context.Context, endpoint string, codec Codec) (Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial sandbox %s: %w", endpoint, err)
	}
	return newWSChannel(conn, codec), nil
}

// AcceptWebSocket upgrades an HTTP request into a Channel.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, codec Codec) (Channel, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return newWSChannel(conn, codec), nil
}

func (c *wsChannel) Send(ctx context.Context, msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(c.msgType, msg); err != nil {
		return c.wrap(err)
	}
	return nil
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.wrap(err)
	}
	return msg, nil
}

func (c *wsChannel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsChannel) wrap(err error) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: %v", ErrClosed, ce)
	}
	return err
}
