// Package transport provides two concrete carriers: a raw TCP/TLS socket
// speaking the binary sentence protocol, which the router core is driven
// over, and a REST/HTTP verb-mapped carrier for the modern API, which is
// called directly and does not implement the router's Conn.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/routeros-client/rosclient/frame"
)

// KeepAlive is the TCP keep-alive interval the socket transport requests on
// every connection.
const KeepAlive = 10 * time.Second

// DefaultHandshakeTimeout bounds how long Dial waits for the TCP (and, when
// applicable, TLS) handshake to complete.
const DefaultHandshakeTimeout = 10 * time.Second

// DialConfig configures Socket construction.
type DialConfig struct {
	Address           string
	TLS               *tls.Config // nil for plaintext
	HandshakeTimeout  time.Duration
	readBufferInitial int
}

func (c DialConfig) withDefaults() DialConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.readBufferInitial <= 0 {
		c.readBufferInitial = 4096
	}
	return c
}

// Socket is a duplex binary-sentence carrier over a TCP or TLS connection.
// It implements router.Conn (SendWord/Words/Errs/Close) without importing
// the router package, so router and transport stay decoupled.
type Socket struct {
	conn net.Conn
	w    *bufio.Writer

	writeMu sync.Mutex

	words chan []byte
	errs  chan error

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a TCP connection (optionally upgraded to TLS) to cfg.Address,
// disables Nagle's algorithm, enables keep-alive, and starts the inbound
// read loop that feeds Words()/Errs().
func Dial(ctx context.Context, cfg DialConfig) (*Socket, error) {
	cfg = cfg.withDefaults()

	dialer := &net.Dialer{Timeout: cfg.HandshakeTimeout, KeepAlive: KeepAlive}

	var conn net.Conn
	var err error
	if cfg.TLS != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: cfg.TLS}
		conn, err = tlsDialer.DialContext(ctx, "tcp", cfg.Address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(KeepAlive)
	} else if tlsConn, ok := conn.(*tls.Conn); ok {
		if tc, ok := tlsConn.NetConn().(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(KeepAlive)
		}
	}

	s := &Socket{
		conn:   conn,
		w:      bufio.NewWriter(conn),
		words:  make(chan []byte, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	go s.readLoop(cfg.readBufferInitial)
	return s, nil
}

// readLoop feeds bytes off the wire into a frame.Decoder and publishes
// completed words, growing the inbound buffer as needed (the protocol's
// words are unbounded in length, unlike chirp's fixed packet header).
func (s *Socket) readLoop(initial int) {
	defer close(s.words)

	dec := &frame.Decoder{}
	buf := make([]byte, initial)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				word, ok, derr := dec.Next()
				if derr != nil {
					s.publishErr(fmt.Errorf("frame decode: %w", derr))
					return
				}
				if !ok {
					break
				}
				select {
				case s.words <- word:
				case <-s.closed:
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				s.publishErr(fmt.Errorf("socket read: %w", err))
			} else {
				s.publishErr(io.EOF)
			}
			return
		}
	}
}

func (s *Socket) publishErr(err error) {
	select {
	case s.errs <- err:
	case <-s.closed:
	default:
		glog.V(2).Infof("transport: dropping error, channel full: %v", err)
	}
}

// SendWord writes one length-prefixed word to the connection.
func (s *Socket) SendWord(word []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.w.Write(frame.Encode(nil, word)); err != nil {
		return fmt.Errorf("socket write: %w", err)
	}
	return s.w.Flush()
}

// Words returns the channel of complete incoming words. It is closed when
// the connection is closed or the read loop exits.
func (s *Socket) Words() <-chan []byte { return s.words }

// Errs returns the channel of terminal read errors (including io.EOF).
func (s *Socket) Errs() <-chan error { return s.errs }

// Close closes the underlying connection.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
