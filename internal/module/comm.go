package module

import (
	"fmt"

	"github.com/ait-qkd/sifting-bb84/internal/codec"
	"github.com/ait-qkd/sifting-bb84/internal/evhash"
)

// Comm exposes the module's peer connection to the protocol handler
// and the key synchronizer. Data messages are folded into the given
// authenticator contexts; key_sync traffic is not.
type Comm struct {
	m *Module
}

// Comm returns the peer communication facade.
func (m *Module) Comm() *Comm { return &Comm{m: m} }

// IsInitiator reports whether this side leads each handshake.
func (c *Comm) IsInitiator() bool { return c.m.role == RoleAlice }

// Send writes one data message to the peer and folds the payload
// into the outgoing authenticator context.
func (c *Comm) Send(payload []byte, auth *evhash.Hash) error {
	msg := &codec.Message{
		Header:  codec.Header{Type: codec.TypeData},
		Payload: payload,
	}
	if err := c.m.peer.Send(msg, auth, c.m.cfg.TimeoutNetworkMS); err != nil {
		return fmt.Errorf("module: send to peer: %w", err)
	}
	return nil
}

// Recv reads the next data message from the peer and folds the
// payload into the incoming authenticator context.
func (c *Comm) Recv(auth *evhash.Hash) ([]byte, error) {
	msg, err := c.m.peer.Recv(codec.TypeData, auth, c.m.cfg.TimeoutNetworkMS)
	if err != nil {
		return nil, fmt.Errorf("module: recv from peer: %w", err)
	}
	return msg.Payload, nil
}

// SendSync writes one key_sync message to the peer.
func (c *Comm) SendSync(payload []byte) error {
	msg := &codec.Message{
		Header:  codec.Header{Type: codec.TypeKeySync},
		Payload: payload,
	}
	return c.m.peer.Send(msg, nil, c.m.cfg.TimeoutNetworkMS)
}

// RecvSync reads the next key_sync message from the peer.
func (c *Comm) RecvSync() ([]byte, error) {
	msg, err := c.m.peer.Recv(codec.TypeKeySync, nil, c.m.cfg.TimeoutNetworkMS)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}
