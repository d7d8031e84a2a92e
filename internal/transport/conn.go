package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ait-qkd/sifting-bb84/internal/codec"
	"github.com/ait-qkd/sifting-bb84/internal/evhash"
)

// Timeout semantics, in milliseconds: > 0 waits that long, 0 is
// non-blocking, Infinite blocks without limit; an infinite Recv also
// ends when the connection context is cancelled, an infinite Send
// does not.
const (
	Infinite    = -1
	NonBlocking = 0
)

// nextMessageID is the process-monotonic message id counter shared by
// every connection.
var nextMessageID atomic.Uint32

// Conn is a two-party message connection over one framed endpoint.
// Incoming messages of an unexpected type are buffered in per-type
// queues that live as long as the connection.
type Conn struct {
	ep  Endpoint
	ctx context.Context

	mu     sync.Mutex
	queues [codec.NumTypes][]*codec.Message
}

// NewConn wraps an endpoint into a message connection. Terminate() on
// the owning module cancels the context. Recv checks it before each
// read and, for an infinite wait, between short read slices, so an
// infinite Recv returns soon after cancellation; a Recv with a finite
// timeout still runs until its deadline. Send does not consult the
// context and is bounded only by its timeout.
func NewConn(ctx context.Context, ep Endpoint) *Conn {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Conn{ep: ep, ctx: ctx}
}

// Close closes the underlying endpoint.
func (c *Conn) Close() error { return c.ep.Close() }

// Send assigns a fresh id and timestamp to the message, frames it,
// and writes it. After a successful send, the payload is folded into
// the outgoing authenticator context, if one is given.
func (c *Conn) Send(msg *codec.Message, auth *evhash.Hash, timeoutMS int) error {
	msg.Header.ID = nextMessageID.Add(1)
	msg.Header.Timestamp = uint64(time.Now().UnixNano())

	deadline := c.deadline(timeoutMS)
	if err := c.ep.WriteFrame(msg.Header.Marshal(), deadline); err != nil {
		return fmt.Errorf("transport: send header: %w", err)
	}
	if err := c.ep.WriteFrame(msg.Payload, deadline); err != nil {
		return fmt.Errorf("transport: send payload: %w", err)
	}

	if auth != nil {
		auth.Update(msg.Payload)
	}
	return nil
}

// Recv returns the next message of the expected type, folding its
// payload into the incoming authenticator context. Messages of other
// types arriving in between are buffered in their per-type queue
// until some later Recv asks for them. The cumulative wait is bounded
// by the timeout.
func (c *Conn) Recv(expected codec.Type, auth *evhash.Hash, timeoutMS int) (*codec.Message, error) {
	if int(expected) >= codec.NumTypes {
		return nil, fmt.Errorf("transport: unknown message type %d", expected)
	}

	if msg := c.popQueued(expected); msg != nil {
		return c.deliver(msg, auth), nil
	}

	deadline := c.deadline(timeoutMS)
	for {
		if err := c.ctx.Err(); err != nil {
			return nil, fmt.Errorf("transport: recv interrupted: %w", err)
		}

		msg, err := c.readMessage(deadline, timeoutMS)
		if err != nil {
			return nil, err
		}
		if msg.Header.Type == expected {
			return c.deliver(msg, auth), nil
		}
		if int(msg.Header.Type) >= codec.NumTypes {
			return nil, fmt.Errorf("transport: received message of unknown type %d", msg.Header.Type)
		}

		c.mu.Lock()
		c.queues[msg.Header.Type] = append(c.queues[msg.Header.Type], msg)
		c.mu.Unlock()
	}
}

// readMessage reads one header frame and one payload frame. Infinite
// waits are chopped into short slices so a cancelled context is
// noticed promptly.
func (c *Conn) readMessage(deadline time.Time, timeoutMS int) (*codec.Message, error) {
	for {
		sliceDeadline := deadline
		if timeoutMS == Infinite {
			sliceDeadline = time.Now().Add(250 * time.Millisecond)
		}

		headerFrame, err := c.ep.ReadFrame(sliceDeadline)
		if err != nil {
			if timeoutMS == Infinite && isTimeout(err) {
				if ctxErr := c.ctx.Err(); ctxErr != nil {
					return nil, fmt.Errorf("transport: recv interrupted: %w", ctxErr)
				}
				continue
			}
			return nil, fmt.Errorf("transport: recv header: %w", err)
		}

		header, err := codec.UnmarshalHeader(headerFrame)
		if err != nil {
			return nil, err
		}

		payload, err := c.ep.ReadFrame(sliceDeadline)
		if err != nil {
			return nil, fmt.Errorf("transport: recv payload: %w", err)
		}
		return &codec.Message{Header: header, Payload: payload}, nil
	}
}

func (c *Conn) popQueued(t codec.Type) *codec.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[t]
	if len(q) == 0 {
		return nil
	}
	msg := q[0]
	c.queues[t] = q[1:]
	return msg
}

func (c *Conn) deliver(msg *codec.Message, auth *evhash.Hash) *codec.Message {
	if auth != nil {
		auth.Update(msg.Payload)
	}
	return msg
}

func (c *Conn) deadline(timeoutMS int) time.Time {
	switch {
	case timeoutMS == Infinite:
		return time.Time{}
	case timeoutMS == NonBlocking:
		return time.Now()
	default:
		return time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
