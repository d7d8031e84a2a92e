// Package keyrecord implements the identified byte buffer that flows
// through a sifting pipeline, along with its processing metadata.
package keyrecord

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// State is the processing stage a key record has reached.
type State uint8

const (
	StateRaw State = iota
	StateSifted
	StateErrorEstimated
	StateCorrected
	StateConfirmed
	StateAmplified
	StateDisclosed
	StateInfected
)

func (s State) String() string {
	switch s {
	case StateRaw:
		return "raw"
	case StateSifted:
		return "sifted"
	case StateErrorEstimated:
		return "error-estimated"
	case StateCorrected:
		return "corrected"
	case StateConfirmed:
		return "confirmed"
	case StateAmplified:
		return "amplified"
	case StateDisclosed:
		return "disclosed"
	case StateInfected:
		return "infected"
	default:
		return "unknown"
	}
}

// Key is an identified byte payload plus the metadata a sifting
// pipeline tracks about it. A Key exclusively owns its payload; it is
// never shared between concurrent consumers; callers that need to
// hand a Key to another goroutine should Clone it first.
type Key struct {
	id   uint64
	data []byte

	state          State
	disclosedBits  uint64
	errorRate      float64
	incomingScheme string
	outgoingScheme string
}

// New constructs a key record from an id and its raw bytes. The
// returned Key takes ownership of data; callers must not mutate it
// afterward.
func New(id uint64, data []byte) *Key {
	return &Key{id: id, data: data, state: StateRaw}
}

// Null constructs the null key: id 0, empty payload. Failed lookups
// and failed sync picks return this value rather than nil.
func Null() *Key {
	return &Key{id: 0, data: nil, state: StateRaw}
}

// IsNull reports whether k is the null key (id 0, empty payload).
func (k *Key) IsNull() bool {
	return k == nil || (k.id == 0 && len(k.data) == 0)
}

func (k *Key) ID() uint64      { return k.id }
func (k *Key) SetID(id uint64) { k.id = id }
func (k *Key) Size() int       { return len(k.data) }
func (k *Key) State() State    { return k.state }

func (k *Key) Data() []byte { return k.data }
func (k *Key) SetData(data []byte) {
	k.data = data
}

func (k *Key) SetState(s State)             { k.state = s }
func (k *Key) DisclosedBits() uint64        { return k.disclosedBits }
func (k *Key) SetDisclosedBits(n uint64)    { k.disclosedBits = n }
func (k *Key) ErrorRate() float64           { return k.errorRate }
func (k *Key) SetErrorRate(r float64)       { k.errorRate = r }
func (k *Key) IncomingScheme() string       { return k.incomingScheme }
func (k *Key) SetIncomingScheme(s string)   { k.incomingScheme = s }
func (k *Key) OutgoingScheme() string       { return k.outgoingScheme }
func (k *Key) SetOutgoingScheme(s string)   { k.outgoingScheme = s }

// Clone deep-copies k, including its payload, so it can be handed to
// a concurrent consumer without violating exclusive ownership.
func (k *Key) Clone() *Key {
	cp := *k
	if k.data != nil {
		cp.data = make([]byte, len(k.data))
		copy(cp.data, k.data)
	}
	return &cp
}

// Marshal serializes k as:
// id(u64) | size(u64) | bytes | state(u8) | disclosed_bits(u64) | error_rate(f64) | incoming_scheme | outgoing_scheme
// Strings are length-prefixed (u32) UTF-8.
func (k *Key) Marshal() []byte {
	var buf bytes.Buffer
	var scratch [8]byte

	binary.BigEndian.PutUint64(scratch[:8], k.id)
	buf.Write(scratch[:8])

	binary.BigEndian.PutUint64(scratch[:8], uint64(len(k.data)))
	buf.Write(scratch[:8])
	buf.Write(k.data)

	buf.WriteByte(byte(k.state))

	binary.BigEndian.PutUint64(scratch[:8], k.disclosedBits)
	buf.Write(scratch[:8])

	binary.BigEndian.PutUint64(scratch[:8], math.Float64bits(k.errorRate))
	buf.Write(scratch[:8])

	writeString(&buf, k.incomingScheme)
	writeString(&buf, k.outgoingScheme)

	return buf.Bytes()
}

// Unmarshal parses the wire format produced by Marshal.
func Unmarshal(data []byte) (*Key, error) {
	r := bytes.NewReader(data)
	var scratch [8]byte

	if _, err := io.ReadFull(r, scratch[:8]); err != nil {
		return nil, fmt.Errorf("keyrecord: read id: %w", err)
	}
	id := binary.BigEndian.Uint64(scratch[:8])

	if _, err := io.ReadFull(r, scratch[:8]); err != nil {
		return nil, fmt.Errorf("keyrecord: read size: %w", err)
	}
	size := binary.BigEndian.Uint64(scratch[:8])

	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("keyrecord: read payload: %w", err)
		}
	}

	stateByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("keyrecord: read state: %w", err)
	}

	if _, err := io.ReadFull(r, scratch[:8]); err != nil {
		return nil, fmt.Errorf("keyrecord: read disclosed_bits: %w", err)
	}
	disclosed := binary.BigEndian.Uint64(scratch[:8])

	if _, err := io.ReadFull(r, scratch[:8]); err != nil {
		return nil, fmt.Errorf("keyrecord: read error_rate: %w", err)
	}
	errRate := math.Float64frombits(binary.BigEndian.Uint64(scratch[:8]))

	incoming, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("keyrecord: read incoming scheme: %w", err)
	}
	outgoing, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("keyrecord: read outgoing scheme: %w", err)
	}

	return &Key{
		id:             id,
		data:           payload,
		state:          State(stateByte),
		disclosedBits:  disclosed,
		errorRate:      errRate,
		incomingScheme: incoming,
		outgoingScheme: outgoing,
	}, nil
}

func writeString(buf *bytes.Buffer, s string) {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], uint32(len(s)))
	buf.Write(scratch[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var scratch [4]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(scratch[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}
