package pqcchannel

import (
	"bytes"
	"net"
	"testing"
)

// handshakePair runs the ML-KEM handshake over an in-memory
// connection and returns both keyed channels.
func handshakePair(t *testing.T) (*Channel, *Channel) {
	t.Helper()

	initConn, respConn := net.Pipe()
	defer initConn.Close()
	defer respConn.Close()

	init := New(true)
	resp := New(false)

	errCh := make(chan error, 1)
	go func() {
		errCh <- resp.Handshake(respConn)
	}()
	if err := init.Handshake(initConn); err != nil {
		t.Fatalf("initiator handshake: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("responder handshake: %v", err)
	}
	return init, resp
}

func TestHandshake_SealOpenRoundTrip(t *testing.T) {
	init, resp := handshakePair(t)

	frame := []byte("framed message header or payload")
	sealed, err := init.Seal(frame)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, frame) {
		t.Error("sealed frame leaks plaintext")
	}

	opened, err := resp.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, frame) {
		t.Errorf("opened = %q, want %q", opened, frame)
	}

	// and the other direction
	sealed, err = resp.Seal(frame)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := init.Open(sealed); err != nil {
		t.Errorf("initiator open: %v", err)
	}
}

func TestOpen_RejectsTampering(t *testing.T) {
	init, resp := handshakePair(t)

	sealed, err := init.Seal([]byte("original"))
	if err != nil {
		t.Fatal(err)
	}
	sealed[len(sealed)-1] ^= 0x01

	if _, err := resp.Open(sealed); err == nil {
		t.Error("tampered frame must not open")
	}
}

func TestSealOpen_BeforeHandshake(t *testing.T) {
	c := New(true)
	if _, err := c.Seal([]byte("x")); err == nil {
		t.Error("seal before handshake should fail")
	}
	if _, err := c.Open([]byte("x")); err == nil {
		t.Error("open before handshake should fail")
	}
}

func TestOpen_TooShort(t *testing.T) {
	init, _ := handshakePair(t)
	if _, err := init.Open([]byte{1, 2, 3}); err == nil {
		t.Error("truncated frame should fail")
	}
}
