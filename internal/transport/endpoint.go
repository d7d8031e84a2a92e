// Package transport implements the four per-module message
// connections (pipe-in, pipe-out, listen, peer) over the framed URL
// endpoint grammar: stdin:// and stdout:// for pipes, ipc://<path>
// for UNIX-domain sockets, tcp://<host>:<port> for IP, and void for
// no endpoint at all. Every message travels as two length-prefixed
// frames, header first, payload second.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrVoid is returned by reads and writes on a void endpoint.
var ErrVoid = errors.New("transport: void endpoint")

// ErrTimeout is returned when a framed read or write exceeded its
// timeout budget.
var ErrTimeout = errors.New("transport: timeout")

// maxFrameSize bounds a single frame; anything larger is treated as a
// corrupt stream.
const maxFrameSize = 1 << 28

// Endpoint is one framed byte-stream endpoint. A zero deadline means
// block forever.
type Endpoint interface {
	WriteFrame(frame []byte, deadline time.Time) error
	ReadFrame(deadline time.Time) ([]byte, error)
	Close() error
}

// Securer optionally seals and opens frames after the byte stream is
// established, used for the ML-KEM secured peer channel. Handshake
// runs once over the raw connection before the first frame.
type Securer interface {
	Handshake(conn net.Conn) error
	Seal(frame []byte) ([]byte, error)
	Open(frame []byte) ([]byte, error)
}

// Options configure endpoint construction.
type Options struct {
	// Listen selects the accepting side for ipc/tcp endpoints.
	Listen bool

	// ModuleID names the module, used to auto-generate ipc paths.
	ModuleID string

	// Securer, if set, is handshaken on the established connection
	// and seals/opens every frame. Only meaningful for peer/listen
	// tcp and ipc endpoints.
	Securer Securer
}

// NewEndpoint parses an endpoint URL and returns the corresponding
// endpoint. Pipe endpoints additionally accept stdin:// and
// stdout://; an empty or "void" URL yields a no-op endpoint.
func NewEndpoint(url string, opts Options) (Endpoint, error) {
	switch {
	case url == "" || url == "void://":
		return voidEndpoint{}, nil

	case url == "stdin://":
		return &streamEndpoint{r: os.Stdin}, nil

	case url == "stdout://":
		return &streamEndpoint{w: os.Stdout}, nil

	case strings.HasPrefix(url, "ipc://"):
		path := strings.TrimPrefix(url, "ipc://")
		if path == "" || path == "*" {
			path = filepath.Join(os.TempDir(), fmt.Sprintf("qkd-%s-%d.socket", opts.ModuleID, os.Getpid()))
		}
		return newNetEndpoint("unix", path, opts), nil

	case strings.HasPrefix(url, "tcp://"):
		addr := strings.TrimPrefix(url, "tcp://")
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("transport: malformed tcp url %q: %w", url, err)
		}
		if host == "*" {
			if !opts.Listen {
				return nil, fmt.Errorf("transport: tcp://* is only valid for listen endpoints")
			}
			host = "0.0.0.0"
		}
		return newNetEndpoint("tcp", net.JoinHostPort(host, port), opts), nil

	default:
		return nil, fmt.Errorf("transport: unrecognized endpoint url %q", url)
	}
}

// voidEndpoint swallows writes and fails reads; a module with a void
// pipe-in simply never receives keys there.
type voidEndpoint struct{}

func (voidEndpoint) WriteFrame([]byte, time.Time) error  { return nil }
func (voidEndpoint) ReadFrame(time.Time) ([]byte, error) { return nil, ErrVoid }
func (voidEndpoint) Close() error                        { return nil }

// streamEndpoint frames over stdin or stdout. Standard streams carry
// no deadline support; the pipe timeout is best effort there.
type streamEndpoint struct {
	mu sync.Mutex
	r  io.Reader
	w  io.Writer
}

func (s *streamEndpoint) WriteFrame(frame []byte, _ time.Time) error {
	if s.w == nil {
		return fmt.Errorf("transport: endpoint is read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFrame(s.w, frame)
}

func (s *streamEndpoint) ReadFrame(_ time.Time) ([]byte, error) {
	if s.r == nil {
		return nil, fmt.Errorf("transport: endpoint is write-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return readFrame(s.r)
}

func (s *streamEndpoint) Close() error { return nil }

// netEndpoint frames over a tcp or unix-domain connection,
// establishing it lazily on first use: the listen side accepts one
// peer, the connect side dials.
type netEndpoint struct {
	network string
	addr    string
	opts    Options

	mu       sync.Mutex
	conn     net.Conn
	listener net.Listener
}

func newNetEndpoint(network, addr string, opts Options) *netEndpoint {
	return &netEndpoint{network: network, addr: addr, opts: opts}
}

// establish dials or accepts the underlying connection once and runs
// the securer handshake if one is configured. Callers hold e.mu.
func (e *netEndpoint) establish(deadline time.Time) error {
	if e.conn != nil {
		return nil
	}

	if e.opts.Listen {
		if e.listener == nil {
			if e.network == "unix" {
				os.Remove(e.addr)
			}
			l, err := net.Listen(e.network, e.addr)
			if err != nil {
				return fmt.Errorf("transport: listen %s %s: %w", e.network, e.addr, err)
			}
			e.listener = l
		}
		type deadliner interface{ SetDeadline(time.Time) error }
		if d, ok := e.listener.(deadliner); ok {
			d.SetDeadline(deadline)
		}
		conn, err := e.listener.Accept()
		if err != nil {
			return fmt.Errorf("transport: accept on %s: %w", e.addr, wrapTimeout(err))
		}
		e.conn = conn
	} else {
		var d net.Dialer
		d.Deadline = deadline
		conn, err := d.Dial(e.network, e.addr)
		if err != nil {
			return fmt.Errorf("transport: dial %s %s: %w", e.network, e.addr, wrapTimeout(err))
		}
		e.conn = conn
	}

	if e.opts.Securer != nil {
		e.conn.SetDeadline(deadline)
		if err := e.opts.Securer.Handshake(e.conn); err != nil {
			e.conn.Close()
			e.conn = nil
			return fmt.Errorf("transport: secure channel handshake: %w", err)
		}
		e.conn.SetDeadline(time.Time{})
	}
	return nil
}

func (e *netEndpoint) WriteFrame(frame []byte, deadline time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.establish(deadline); err != nil {
		return err
	}
	if e.opts.Securer != nil {
		sealed, err := e.opts.Securer.Seal(frame)
		if err != nil {
			return fmt.Errorf("transport: seal frame: %w", err)
		}
		frame = sealed
	}
	e.conn.SetWriteDeadline(deadline)
	if err := writeFrame(e.conn, frame); err != nil {
		return wrapTimeout(err)
	}
	return nil
}

func (e *netEndpoint) ReadFrame(deadline time.Time) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.establish(deadline); err != nil {
		return nil, err
	}
	e.conn.SetReadDeadline(deadline)
	frame, err := readFrame(e.conn)
	if err != nil {
		return nil, wrapTimeout(err)
	}
	if e.opts.Securer != nil {
		opened, err := e.opts.Securer.Open(frame)
		if err != nil {
			return nil, fmt.Errorf("transport: open frame: %w", err)
		}
		frame = opened
	}
	return frame, nil
}

func (e *netEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	if e.listener != nil {
		e.listener.Close()
		e.listener = nil
	}
	return nil
}

func writeFrame(w io.Writer, frame []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds limit", n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func wrapTimeout(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
