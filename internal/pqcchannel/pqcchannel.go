// Package pqcchannel implements an optional post-quantum secured
// peer channel for the listen/peer transport. The initiator performs
// an ML-KEM-768 handshake over the raw connection before the first
// framed message; the derived AES-256-GCM AEAD then seals every
// subsequent frame. The QKD wire protocol itself is unchanged by
// this layer.
package pqcchannel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds the derived key to this protocol version.
var hkdfInfo = []byte("qkd-peer-channel-v1")

// Channel secures the frames of one peer connection. It satisfies
// the transport.Securer interface.
type Channel struct {
	initiator bool
	aead      cipher.AEAD
	logger    *slog.Logger
}

// New builds an unkeyed channel. Handshake must complete before the
// first Seal or Open.
func New(initiator bool) *Channel {
	return &Channel{
		initiator: initiator,
		logger:    slog.Default().With("component", "pqc-channel"),
	}
}

// Handshake establishes the shared session key over the raw
// connection. The initiator generates an ML-KEM-768 key pair and
// sends the public key; the responder encapsulates against it and
// returns the ciphertext; both derive the AEAD from the shared
// secret via HKDF.
func (c *Channel) Handshake(conn net.Conn) error {
	var ss []byte
	var err error
	if c.initiator {
		ss, err = c.handshakeInitiator(conn)
	} else {
		ss, err = c.handshakeResponder(conn)
	}
	if err != nil {
		return err
	}

	key, err := deriveKey(ss)
	if err != nil {
		return fmt.Errorf("pqcchannel: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("pqcchannel: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("pqcchannel: create GCM: %w", err)
	}
	c.aead = aead

	c.logger.Info("PQC session established", "initiator", c.initiator)
	return nil
}

func (c *Channel) handshakeInitiator(conn net.Conn) ([]byte, error) {
	pk, sk, err := mlkem768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pqcchannel: generate ML-KEM-768 keys: %w", err)
	}

	pubBytes := make([]byte, mlkem768.PublicKeySize)
	pk.Pack(pubBytes)
	if err := writeBlock(conn, pubBytes); err != nil {
		return nil, fmt.Errorf("pqcchannel: send public key: %w", err)
	}

	ct, err := readBlock(conn)
	if err != nil {
		return nil, fmt.Errorf("pqcchannel: recv ciphertext: %w", err)
	}
	if len(ct) != mlkem768.CiphertextSize {
		return nil, fmt.Errorf("pqcchannel: ciphertext is %d bytes, want %d", len(ct), mlkem768.CiphertextSize)
	}

	ss := make([]byte, mlkem768.SharedKeySize)
	sk.DecapsulateTo(ss, ct)
	return ss, nil
}

func (c *Channel) handshakeResponder(conn net.Conn) ([]byte, error) {
	pubBytes, err := readBlock(conn)
	if err != nil {
		return nil, fmt.Errorf("pqcchannel: recv public key: %w", err)
	}
	if len(pubBytes) != mlkem768.PublicKeySize {
		return nil, fmt.Errorf("pqcchannel: public key is %d bytes, want %d", len(pubBytes), mlkem768.PublicKeySize)
	}

	var peerPK mlkem768.PublicKey
	if err := peerPK.Unpack(pubBytes); err != nil {
		return nil, fmt.Errorf("pqcchannel: invalid peer public key: %w", err)
	}

	ct := make([]byte, mlkem768.CiphertextSize)
	ss := make([]byte, mlkem768.SharedKeySize)
	peerPK.EncapsulateTo(ct, ss, nil)

	if err := writeBlock(conn, ct); err != nil {
		return nil, fmt.Errorf("pqcchannel: send ciphertext: %w", err)
	}
	return ss, nil
}

// Seal encrypts one frame as nonce || ciphertext.
func (c *Channel) Seal(frame []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, fmt.Errorf("pqcchannel: seal before handshake")
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("pqcchannel: generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, frame, nil), nil
}

// Open decrypts one sealed frame.
func (c *Channel) Open(frame []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, fmt.Errorf("pqcchannel: open before handshake")
	}
	nonceSize := c.aead.NonceSize()
	if len(frame) < nonceSize {
		return nil, fmt.Errorf("pqcchannel: sealed frame too short")
	}
	plaintext, err := c.aead.Open(nil, frame[:nonceSize], frame[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("pqcchannel: decrypt: %w", err)
	}
	return plaintext, nil
}

func deriveKey(sharedSecret []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, sharedSecret, nil, hkdfInfo)
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

func writeBlock(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readBlock(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > 1<<20 {
		return nil, fmt.Errorf("pqcchannel: handshake block of %d bytes exceeds limit", n)
	}
	block := make([]byte, n)
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, err
	}
	return block, nil
}
