// Package codec implements the framed message envelope and the
// typed, big-endian payload serialization used on top of it. A
// message is a header frame followed by a payload frame; both are
// length-framed independently so a transport can deliver them as two
// parts.
package codec

import (
	"encoding/binary"
	"fmt"
)

// Type identifies the kind of message carried in a payload.
type Type uint8

const (
	TypeData Type = iota
	TypeKeySync
	TypeKeyAck
)

// NumTypes is the number of defined message types; the connection
// layer keeps one buffered queue per type.
const NumTypes = 3

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeKeySync:
		return "key_sync"
	case TypeKeyAck:
		return "key_ack"
	default:
		return "unknown"
	}
}

// HeaderSize is the encoded size of a Header: type(u8) + id(u32) + timestamp(u64).
const HeaderSize = 1 + 4 + 8

// Header is the fixed-size envelope preceding every message payload.
type Header struct {
	ID        uint32
	Type      Type
	Timestamp uint64 // Unix nanoseconds
}

// Marshal encodes the header to its wire form.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(h.Type)
	binary.BigEndian.PutUint32(buf[1:5], h.ID)
	binary.BigEndian.PutUint64(buf[5:13], h.Timestamp)
	return buf
}

// UnmarshalHeader decodes a header from its wire form.
func UnmarshalHeader(data []byte) (Header, error) {
	if len(data) != HeaderSize {
		return Header{}, fmt.Errorf("codec: header must be %d bytes, got %d", HeaderSize, len(data))
	}
	return Header{
		Type:      Type(data[0]),
		ID:        binary.BigEndian.Uint32(data[1:5]),
		Timestamp: binary.BigEndian.Uint64(data[5:13]),
	}, nil
}

// Message pairs a Header with its opaque payload bytes.
type Message struct {
	Header  Header
	Payload []byte
}

// PayloadWriter builds a typed big-endian payload. Every Write* call
// appends its value in the order it was called; a PayloadReader on
// the other side must read the same sequence of types.
type PayloadWriter struct {
	buf []byte
}

func NewPayloadWriter() *PayloadWriter {
	return &PayloadWriter{}
}

func (w *PayloadWriter) WriteU8(v uint8) *PayloadWriter {
	w.buf = append(w.buf, v)
	return w
}

func (w *PayloadWriter) WriteU16(v uint16) *PayloadWriter {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *PayloadWriter) WriteU32(v uint32) *PayloadWriter {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *PayloadWriter) WriteU64(v uint64) *PayloadWriter {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

// WriteBlob writes a length-prefixed (u32) byte blob.
func (w *PayloadWriter) WriteBlob(data []byte) *PayloadWriter {
	w.WriteU32(uint32(len(data)))
	w.buf = append(w.buf, data...)
	return w
}

// Bytes returns the accumulated payload.
func (w *PayloadWriter) Bytes() []byte { return w.buf }

// PayloadReader consumes a payload previously built by PayloadWriter.
type PayloadReader struct {
	buf []byte
	off int
	err error
}

func NewPayloadReader(data []byte) *PayloadReader {
	return &PayloadReader{buf: data}
}

// Err returns the first error encountered by any Read* call, if any.
func (r *PayloadReader) Err() error { return r.err }

func (r *PayloadReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("codec: payload truncated: need %d bytes at offset %d, have %d", n, r.off, len(r.buf))
		return false
	}
	return true
}

func (r *PayloadReader) ReadU8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *PayloadReader) ReadU16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off : r.off+2])
	r.off += 2
	return v
}

func (r *PayloadReader) ReadU32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v
}

func (r *PayloadReader) ReadU64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off : r.off+8])
	r.off += 8
	return v
}

// ReadBlob reads a length-prefixed (u32) byte blob.
func (r *PayloadReader) ReadBlob() []byte {
	n := r.ReadU32()
	if !r.need(int(n)) {
		return nil
	}
	v := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return v
}
