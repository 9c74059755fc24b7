package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the subset of *websocket.Conn the manager relies on.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// GorillaDialer dials real websocket connections.
type GorillaDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func NewGorillaDialer(handshakeTimeout time.Duration) GorillaDialer {
	d := *websocket.DefaultDialer
	if handshakeTimeout > 0 {
		d.HandshakeTimeout = handshakeTimeout
	}
	return GorillaDialer{Dialer: &d}
}

func (d GorillaDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemScheduler schedules on the runtime timer heap.
func SystemScheduler() Scheduler {
	return realScheduler{}
}
