// Package randsrc implements the random-number-source URL grammar
// used to seed keying material and masks: an empty URL selects the
// OS CSPRNG, "file://path" replays bytes from a file, "cbc-aes:<hex
// key>" and "hmac-sha:<hex key>" derive a deterministic keystream from
// a keyed block cipher or MAC in counter mode, and "cong:<seed>"
// selects a linear congruential generator for reproducible test runs.
package randsrc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Source is a random byte stream. Read behaves like io.Reader: it may
// return fewer bytes than requested without error, callers should
// loop until the requested length is satisfied.
type Source interface {
	io.Reader
}

// NewFromURL parses a source URL and returns the corresponding Source.
//
// Recognized forms:
//
//	""                     system CSPRNG (crypto/rand)
//	"file://<path>"        bytes read verbatim from a file
//	"cbc-aes:<hex-key>"    AES-CBC counter-mode keystream
//	"hmac-sha:<hex-key>"   HMAC-SHA256 counter-mode keystream
//	"cong:<seed>"          linear congruential generator, decimal seed
func NewFromURL(url string) (Source, error) {
	if url == "" {
		return systemSource{}, nil
	}
	switch {
	case strings.HasPrefix(url, "file://"):
		path := strings.TrimPrefix(url, "file://")
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("randsrc: open %q: %w", path, err)
		}
		return &fileSource{f: f}, nil
	case strings.HasPrefix(url, "cbc-aes:"):
		keyHex := strings.TrimPrefix(url, "cbc-aes:")
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("randsrc: cbc-aes key: %w", err)
		}
		return newCBCAESSource(key)
	case strings.HasPrefix(url, "hmac-sha:"):
		keyHex := strings.TrimPrefix(url, "hmac-sha:")
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("randsrc: hmac-sha key: %w", err)
		}
		return newHMACShaSource(key), nil
	case strings.HasPrefix(url, "cong:"):
		seedStr := strings.TrimPrefix(url, "cong:")
		seed, err := strconv.ParseUint(seedStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("randsrc: cong seed: %w", err)
		}
		return newCongruentialSource(seed), nil
	default:
		return nil, fmt.Errorf("randsrc: unrecognized source URL %q", url)
	}
}

// systemSource defers to the OS CSPRNG.
type systemSource struct{}

func (systemSource) Read(p []byte) (int, error) { return rand.Read(p) }

// fileSource replays bytes from an opened file, looping back to the
// start once exhausted so callers never see a premature EOF.
type fileSource struct {
	f *os.File
}

func (s *fileSource) Read(p []byte) (int, error) {
	n, err := s.f.Read(p)
	if err == io.EOF {
		if _, seekErr := s.f.Seek(0, io.SeekStart); seekErr != nil {
			return n, fmt.Errorf("randsrc: rewind file source: %w", seekErr)
		}
		if n == 0 {
			return s.Read(p)
		}
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("randsrc: read file source: %w", err)
	}
	return n, nil
}

// counterKeystream produces a keystream by encrypting/MACing a
// monotonically increasing 64-bit counter (the low half of a 16-byte
// block for AES, 8 big-endian bytes for HMAC), a common construction for
// turning a keyed primitive into a stream cipher.
type counterKeystream struct {
	counter uint64
	encrypt func(counter uint64) []byte
	carry   []byte
}

func (s *counterKeystream) Read(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		if len(s.carry) == 0 {
			s.carry = s.encrypt(s.counter)
			s.counter++
		}
		n := copy(p[written:], s.carry)
		s.carry = s.carry[n:]
		written += n
	}
	return written, nil
}

func newCBCAESSource(key []byte) (Source, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("randsrc: aes key: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	return &counterKeystream{
		encrypt: func(counter uint64) []byte {
			var ctrBlock [aes.BlockSize]byte
			binary.BigEndian.PutUint64(ctrBlock[8:], counter)
			mode := cipher.NewCBCEncrypter(block, iv)
			out := make([]byte, aes.BlockSize)
			mode.CryptBlocks(out, ctrBlock[:])
			return out
		},
	}, nil
}

func newHMACShaSource(key []byte) Source {
	return &counterKeystream{
		encrypt: func(counter uint64) []byte {
			var ctrBlock [8]byte
			binary.BigEndian.PutUint64(ctrBlock[:], counter)
			mac := hmac.New(sha256.New, key)
			mac.Write(ctrBlock[:])
			return mac.Sum(nil)
		},
	}
}

// congruentialSource is a classic LCG (Numerical Recipes constants),
// useful only for reproducible tests, never for production keying
// material.
type congruentialSource struct {
	state uint64
}

func newCongruentialSource(seed uint64) Source {
	return &congruentialSource{state: seed}
}

func (s *congruentialSource) Read(p []byte) (int, error) {
	for i := range p {
		s.state = s.state*6364136223846793005 + 1442695040888963407
		p[i] = byte(s.state >> 56)
	}
	return len(p), nil
}
