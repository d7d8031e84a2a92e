// Package qauth implements the keyed pseudorandom splicing scheme
// that weaves authenticator bases into the public BB84 basis exchange
// so that tampering with the exchange is detectable. Both parties
// derive the same infinite particle sequence from a shared init token
// and an evhash-32 keyed hash.
package qauth

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ait-qkd/sifting-bb84/internal/bb84/base"
	"github.com/ait-qkd/sifting-bb84/internal/codec"
	"github.com/ait-qkd/sifting-bb84/internal/evhash"
)

// DefaultModulus is the default position-step modulus m.
const DefaultModulus = 16

// Init holds the shared init values of one QAuth cycle. The initiator
// draws a fresh Init per sifting cycle and sends it to the responder
// over the authenticated channel.
type Init struct {
	Kv        uint32 // key of the value-transition hash
	Kp        uint32 // key of the position-transition hash
	Modulus   uint32 // m, must be >= 1
	Value0    uint32 // v_0
	Position0 uint32 // p_0, < m
}

// NewInit draws a fresh init token from the random source. The
// initial position is reduced modulo m; the initial value is not.
func NewInit(rng io.Reader) (Init, error) {
	var buf [16]byte
	if _, err := io.ReadFull(rng, buf[:]); err != nil {
		return Init{}, fmt.Errorf("qauth: draw init: %w", err)
	}
	init := Init{
		Kv:        binary.BigEndian.Uint32(buf[0:4]),
		Kp:        binary.BigEndian.Uint32(buf[4:8]),
		Modulus:   DefaultModulus,
		Value0:    binary.BigEndian.Uint32(buf[8:12]),
		Position0: binary.BigEndian.Uint32(buf[12:16]) % DefaultModulus,
	}
	return init, nil
}

// Marshal appends the init fields to a payload in wire order.
func (i Init) Marshal(w *codec.PayloadWriter) {
	w.WriteU32(i.Kv)
	w.WriteU32(i.Kp)
	w.WriteU32(i.Modulus)
	w.WriteU32(i.Value0)
	w.WriteU32(i.Position0)
}

// UnmarshalInit reads an init token from a payload.
func UnmarshalInit(r *codec.PayloadReader) (Init, error) {
	i := Init{
		Kv:        r.ReadU32(),
		Kp:        r.ReadU32(),
		Modulus:   r.ReadU32(),
		Value0:    r.ReadU32(),
		Position0: r.ReadU32(),
	}
	if err := r.Err(); err != nil {
		return Init{}, fmt.Errorf("qauth: unmarshal init: %w", err)
	}
	if i.Modulus < 1 {
		return Init{}, fmt.Errorf("qauth: init modulus must be >= 1, got %d", i.Modulus)
	}
	return i, nil
}

func (i Init) String() string {
	return fmt.Sprintf("<kv=%d, kp=%d, m=%d, v0=%d, p0=%d>", i.Kv, i.Kp, i.Modulus, i.Value0, i.Position0)
}

// Particle is one element of the pseudorandom authenticator sequence:
// an absolute position in the merged stream and the basis spliced
// there.
type Particle struct {
	Position uint64
	Basis    base.Basis
}

func (p Particle) String() string {
	return fmt.Sprintf("<%d, %s>", p.Position, p.Basis)
}

// Sequence iterates the deterministic particle sequence of one init
// token. Not safe for concurrent use.
type Sequence struct {
	init Init
	hkv  *evhash.Hash
	hkp  *evhash.Hash

	pos uint64
	val uint32
}

// NewSequence builds the particle iterator for init. The two keyed
// hashes are table-built once and recycled across iterations.
func NewSequence(init Init) (*Sequence, error) {
	if init.Modulus < 1 {
		return nil, fmt.Errorf("qauth: modulus must be >= 1, got %d", init.Modulus)
	}
	hkv, err := evhash.New(32, u32be(init.Kv))
	if err != nil {
		return nil, fmt.Errorf("qauth: build H_kv: %w", err)
	}
	hkp, err := evhash.New(32, u32be(init.Kp))
	if err != nil {
		return nil, fmt.Errorf("qauth: build H_kp: %w", err)
	}
	return &Sequence{
		init: init,
		hkv:  hkv,
		hkp:  hkp,
		pos:  uint64(init.Position0),
		val:  init.Value0,
	}, nil
}

// Next emits the current particle and advances the iterator:
//
//	v <- H_kv(v)
//	p <- p + 1 + (H_kp(p) mod m)
//
// The emitted basis is diagonal when the raw value is odd,
// rectilinear otherwise.
func (s *Sequence) Next() Particle {
	p := Particle{Position: s.pos, Basis: valueBasis(s.val)}
	s.val = s.hashV(s.val)
	s.pos = s.pos + 1 + s.hashP(s.pos)%uint64(s.init.Modulus)
	return p
}

func (s *Sequence) hashV(v uint32) uint32 {
	s.hkv.Reset(nil)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	s.hkv.Update(buf[:])
	return binary.BigEndian.Uint32(s.hkv.Finalize())
}

func (s *Sequence) hashP(p uint64) uint64 {
	s.hkp.Reset(nil)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], p)
	s.hkp.Update(buf[:])
	return uint64(binary.BigEndian.Uint32(s.hkp.Finalize()))
}

// CreateMin generates the particles to splice into a base table of
// baseSize events: particles are produced while the next candidate
// position stays within the merged set, so the last particle
// satisfies position <= baseSize + len(particles).
func (s *Sequence) CreateMin(baseSize uint64) []Particle {
	var res []Particle
	for {
		p := s.Next()
		if p.Position > baseSize+uint64(len(res)) {
			return res
		}
		res = append(res, p)
	}
}

// CreateMax generates the particles contained in a merged table of
// mergedSize events: the last particle satisfies position <=
// mergedSize. The responder uses this to learn the positions it must
// extract from the initiator's merged table.
func (s *Sequence) CreateMax(mergedSize uint64) []Particle {
	var res []Particle
	for {
		p := s.Next()
		if p.Position > mergedSize {
			return res
		}
		res = append(res, p)
	}
}

// Splice inserts the particles' bases into the pure base table at
// their positions, shifting subsequent real bases right. The result
// has len(bases)+len(particles) events.
func Splice(bases []base.Basis, particles []Particle) []base.Basis {
	res := make([]base.Basis, 0, len(bases)+len(particles))
	var pos uint64
	var baseIdx int
	partIdx := 0

	for baseIdx < len(bases) {
		if partIdx < len(particles) && pos == particles[partIdx].Position {
			res = append(res, particles[partIdx].Basis)
			partIdx++
		} else {
			res = append(res, bases[baseIdx])
			baseIdx++
		}
		pos++
	}

	// trailing particles land directly behind the final base
	for partIdx < len(particles) && pos == particles[partIdx].Position {
		res = append(res, particles[partIdx].Basis)
		partIdx++
		pos++
	}

	return res
}

// Extract removes the particles at the given positions from a merged
// table, returning the pure base table and the extracted particles in
// position order.
func Extract(merged []base.Basis, particles []Particle) (pure []base.Basis, extracted []Particle, err error) {
	if len(particles) > 0 && uint64(len(merged)) < particles[len(particles)-1].Position {
		return nil, nil, fmt.Errorf("qauth: merged table of %d events is smaller than highest particle position %d",
			len(merged), particles[len(particles)-1].Position)
	}

	pure = make([]base.Basis, 0, len(merged))
	partIdx := 0
	for pos, b := range merged {
		if partIdx < len(particles) && uint64(pos) == particles[partIdx].Position {
			extracted = append(extracted, Particle{Position: uint64(pos), Basis: b})
			partIdx++
		} else {
			pure = append(pure, b)
		}
	}
	return pure, extracted, nil
}

// Verify compares the extracted particles against the predicted ones.
// A position or basis mismatch means the basis exchange was tampered
// with; the sifting cycle must abort.
func Verify(predicted, extracted []Particle) error {
	if len(predicted) != len(extracted) {
		return fmt.Errorf("qauth: particle count mismatch: predicted %d, extracted %d", len(predicted), len(extracted))
	}
	for i := range predicted {
		if predicted[i].Position != extracted[i].Position {
			return fmt.Errorf("qauth: particle %d position mismatch: predicted %d, extracted %d",
				i, predicted[i].Position, extracted[i].Position)
		}
		if predicted[i].Basis != extracted[i].Basis {
			return fmt.Errorf("qauth: particle at position %d basis mismatch: predicted %s, extracted %s",
				predicted[i].Position, predicted[i].Basis, extracted[i].Basis)
		}
	}
	return nil
}

func valueBasis(v uint32) base.Basis {
	if v%2 == 1 {
		return base.Diagonal
	}
	return base.Rectilinear
}

func u32be(v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return buf[:]
}
