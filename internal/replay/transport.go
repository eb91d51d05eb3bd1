package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// dial opens the TCP stream to the device, bounded by timeout.
func dial(ctx context.Context, address string, timeout time.Duration) (net.Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, address, err)
	}
	return conn, nil
}

// connTransmitter writes frames to the connection with a deadline.
type connTransmitter struct {
	conn         net.Conn
	writeTimeout time.Duration
	stats        *sessionStats
}

func (t *connTransmitter) Transmit(frame []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	t.stats.commandsTransmitted.Add(1)
	t.stats.touch()
	return nil
}

// readLoop copies inbound bytes to chunks until the connection fails or the
// event loop exits. The final read error is delivered on errs.
func readLoop(conn net.Conn, bufSize int, chunks chan<- []byte, errs chan<- error, exited <-chan struct{}) {
	buf := make([]byte, bufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-exited:
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: closed by device", ErrNotConnected)
			}
			select {
			case errs <- err:
			case <-exited:
			}
			return
		}
	}
}
