// Package bb84 implements the BB84 sifting stage: it reduces raw
// detector event tables to basis tables, reconciles bases with the
// peer over the authenticated channel, optionally weaves QAuth
// authenticator bases into the public exchange, and accumulates the
// surviving bits into sifted keys.
package bb84

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ait-qkd/sifting-bb84/internal/bb84/base"
	"github.com/ait-qkd/sifting-bb84/internal/codec"
	"github.com/ait-qkd/sifting-bb84/internal/config"
	"github.com/ait-qkd/sifting-bb84/internal/evhash"
	"github.com/ait-qkd/sifting-bb84/internal/keyrecord"
	"github.com/ait-qkd/sifting-bb84/internal/module"
	"github.com/ait-qkd/sifting-bb84/internal/qauth"
	"github.com/ait-qkd/sifting-bb84/internal/randsrc"
)

// keyIDCounter generates downstream key ids: the counter is
// incremented, shifted left and offset, so parallel pipelines can
// carve disjoint id ranges out of the same 64-bit space.
type keyIDCounter struct {
	shift uint32
	add   uint32
	count uint64
}

func (c *keyIDCounter) next() uint64 {
	c.count++
	return (c.count << c.shift) + uint64(c.add)
}

// Sifter is the BB84 sifting protocol handler. It implements
// module.Handler.
type Sifter struct {
	initiator bool
	qauth     bool
	rng       randsrc.Source
	stats     *module.Stats

	mu           sync.Mutex
	rawKeyLength uint64 // bytes per emitted sifted key
	counter      keyIDCounter
	keyID        uint64 // id the next emitted key will carry
	acc          bitAccumulator

	logger *slog.Logger
}

// New builds a sifter from the module configuration. The role
// decides which side of each exchange this instance leads.
func New(cfg *config.Config, role module.Role, rng randsrc.Source, stats *module.Stats) (*Sifter, error) {
	shift, add, err := config.ParseKeyIDScheme(cfg.KeyIDScheme)
	if err != nil {
		return nil, fmt.Errorf("bb84: %w", err)
	}

	s := &Sifter{
		initiator:    role == module.RoleAlice,
		qauth:        cfg.QAuth,
		rng:          rng,
		stats:        stats,
		rawKeyLength: uint64(cfg.RawKeyLength),
		counter:      keyIDCounter{shift: shift, add: add},
		logger: slog.Default().With(
			"component", "bb84",
			"module_id", cfg.ModuleID,
			"role", role.String(),
		),
	}
	s.keyID = s.counter.next()
	s.acc.grow(s.rawKeyLength * 8)
	return s, nil
}

// RawKeyLength returns the configured emission threshold in bytes.
func (s *Sifter) RawKeyLength() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rawKeyLength
}

// SetRawKeyLength adjusts the emission threshold. The accumulator
// capacity only ever grows; bits collected so far are preserved.
func (s *Sifter) SetRawKeyLength(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == s.rawKeyLength || n == 0 {
		return
	}
	s.rawKeyLength = n
	s.acc.grow(n * 8)
}

// CurrentLength returns the number of bits sifted so far towards the
// next key.
func (s *Sifter) CurrentLength() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acc.len()
}

// Accept admits raw keys only.
func (s *Sifter) Accept(key *keyrecord.Key) bool {
	return key.State() == keyrecord.StateRaw
}

// Process runs one sifting cycle over a raw key: sync the key
// metadata, exchange (and optionally authenticate) the basis tables,
// reduce matching bases to bits, and emit a sifted key once enough
// bits accumulated. Returns true iff the key now carries a finished
// sifted key to forward.
func (s *Sifter) Process(key *keyrecord.Key, peer module.Peer, in, out *evhash.Hash) (bool, error) {
	if err := s.syncKeyData(key, peer, in, out); err != nil {
		return false, err
	}

	sparse := base.ExpandDense(key.Data())
	basesPure := base.Table(sparse)

	basesLocal := basesPure
	var initLocal qauth.Init
	if s.qauth {
		var err error
		initLocal, err = qauth.NewInit(s.rng)
		if err != nil {
			return false, err
		}
		seq, err := qauth.NewSequence(initLocal)
		if err != nil {
			return false, err
		}
		basesLocal = qauth.Splice(basesPure, seq.CreateMin(uint64(len(basesPure))))
	}

	basesPeer, err := s.exchangeBases(peer, basesLocal, in, out)
	if err != nil {
		return false, err
	}

	if s.qauth {
		initPeer, err := s.exchangeQAuthInit(peer, initLocal, in, out)
		if err != nil {
			return false, err
		}
		basesPeer, err = s.extractAndVerify(basesPeer, initPeer)
		if err != nil {
			if s.stats != nil {
				s.stats.AddQAuthFailure()
			}
			s.logger.Warn("QAuth verification failed, aborting cycle", "key_id", key.ID(), "error", err)
			return false, nil
		}
	}

	if len(basesPeer) != len(basesPure) {
		return false, fmt.Errorf("bb84: base tables differ in size: local %d, peer %d", len(basesPure), len(basesPeer))
	}

	return s.siftBits(key, basesPure, basesPeer, sparse)
}

// syncKeyData aligns both sides on the key being sifted: the
// initiator announces id, size and raw key length; the responder
// verifies its input matches and adopts the length.
func (s *Sifter) syncKeyData(key *keyrecord.Key, peer module.Peer, in, out *evhash.Hash) error {
	if s.initiator {
		w := codec.NewPayloadWriter()
		w.WriteU64(key.ID())
		w.WriteU64(uint64(key.Size()))
		w.WriteU64(s.RawKeyLength())
		return peer.Send(w.Bytes(), out)
	}

	payload, err := peer.Recv(in)
	if err != nil {
		return err
	}
	r := codec.NewPayloadReader(payload)
	peerID := r.ReadU64()
	peerSize := r.ReadU64()
	length := r.ReadU64()
	if err := r.Err(); err != nil {
		return fmt.Errorf("bb84: malformed key metadata: %w", err)
	}

	if peerID != key.ID() || peerSize != uint64(key.Size()) {
		return fmt.Errorf("bb84: peer sifts key %d of %d bytes, we hold key %d of %d bytes",
			peerID, peerSize, key.ID(), key.Size())
	}

	s.SetRawKeyLength(length)
	return nil
}

// exchangeBases sends the local basis table and receives the peer's,
// in role order, both packed four events per byte on the wire.
func (s *Sifter) exchangeBases(peer module.Peer, local []base.Basis, in, out *evhash.Hash) ([]base.Basis, error) {
	if s.initiator {
		if err := s.sendBases(peer, local, out); err != nil {
			return nil, err
		}
		return s.recvBases(peer, in)
	}
	basesPeer, err := s.recvBases(peer, in)
	if err != nil {
		return nil, err
	}
	if err := s.sendBases(peer, local, out); err != nil {
		return nil, err
	}
	return basesPeer, nil
}

func (s *Sifter) sendBases(peer module.Peer, bases []base.Basis, out *evhash.Hash) error {
	w := codec.NewPayloadWriter()
	w.WriteU64(uint64(len(bases)))
	w.WriteBlob(base.Pack(bases))
	return peer.Send(w.Bytes(), out)
}

func (s *Sifter) recvBases(peer module.Peer, in *evhash.Hash) ([]base.Basis, error) {
	payload, err := peer.Recv(in)
	if err != nil {
		return nil, err
	}
	r := codec.NewPayloadReader(payload)
	count := r.ReadU64()
	packed := r.ReadBlob()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("bb84: malformed basis table: %w", err)
	}
	if uint64(len(packed)) != (count+3)/4 {
		return nil, fmt.Errorf("bb84: basis table claims %d events but carries %d bytes", count, len(packed))
	}
	return base.Unpack(packed, int(count)), nil
}

// exchangeQAuthInit exchanges the per-cycle init tokens, initiator
// sends first.
func (s *Sifter) exchangeQAuthInit(peer module.Peer, local qauth.Init, in, out *evhash.Hash) (qauth.Init, error) {
	send := func() error {
		w := codec.NewPayloadWriter()
		local.Marshal(w)
		return peer.Send(w.Bytes(), out)
	}
	recv := func() (qauth.Init, error) {
		payload, err := peer.Recv(in)
		if err != nil {
			return qauth.Init{}, err
		}
		return qauth.UnmarshalInit(codec.NewPayloadReader(payload))
	}

	if s.initiator {
		if err := send(); err != nil {
			return qauth.Init{}, err
		}
		return recv()
	}
	initPeer, err := recv()
	if err != nil {
		return qauth.Init{}, err
	}
	if err := send(); err != nil {
		return qauth.Init{}, err
	}
	return initPeer, nil
}

// extractAndVerify removes the peer's spliced authenticator bases
// from its merged table and checks them against the sequence
// predicted by the peer's init. A mismatch means the basis exchange
// was tampered with.
func (s *Sifter) extractAndVerify(merged []base.Basis, initPeer qauth.Init) ([]base.Basis, error) {
	seq, err := qauth.NewSequence(initPeer)
	if err != nil {
		return nil, err
	}
	predicted := seq.CreateMax(uint64(len(merged)))

	pure, extracted, err := qauth.Extract(merged, predicted)
	if err != nil {
		return nil, err
	}
	if err := qauth.Verify(predicted, extracted); err != nil {
		return nil, err
	}
	return pure, nil
}

// siftBits reduces matching bases to key bits and emits a sifted key
// once the accumulator passes the raw key length. The responder
// inverts every bit: correlated bases, anti-correlated bit
// assignment.
func (s *Sifter) siftBits(key *keyrecord.Key, local, peer []base.Basis, sparse []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var mismatches int
	for i, b := range local {
		if b != peer[i] {
			mismatches++
			continue
		}

		event := sparse[i]
		var bit bool
		if base.Parity(event) {
			bit = base.EventBit(event)
		} else {
			rb, err := s.randomBit()
			if err != nil {
				return false, err
			}
			bit = rb
		}
		if !s.initiator {
			bit = !bit
		}
		s.acc.append(bit)
	}

	if s.stats != nil {
		s.stats.AddBasisMismatches(uint64(mismatches))
	}
	s.logger.Debug("sifted bases",
		"events", len(local),
		"mismatches", mismatches,
		"total_bits", s.acc.len(),
		"threshold_bits", s.rawKeyLength*8,
	)

	if s.acc.len() < s.rawKeyLength*8 {
		return false, nil
	}

	// cut at the byte boundary, at most 7 bits are lost
	key.SetID(s.keyID)
	key.SetData(s.acc.takeBytes())
	key.SetState(keyrecord.StateSifted)
	s.keyID = s.counter.next()
	return true, nil
}

func (s *Sifter) randomBit() (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(s.rng, b[:]); err != nil {
		return false, fmt.Errorf("bb84: draw random bit: %w", err)
	}
	return b[0]&1 == 1, nil
}

// bitAccumulator collects sifted key bits, most significant bit of
// each byte first. Its capacity grows monotonically.
type bitAccumulator struct {
	bits []byte
	pos  uint64
}

func (a *bitAccumulator) len() uint64 { return a.pos }

// grow extends the capacity to at least capBits; it never shrinks.
func (a *bitAccumulator) grow(capBits uint64) {
	need := int((capBits + 7) / 8)
	if need > len(a.bits) {
		a.bits = append(a.bits, make([]byte, need-len(a.bits))...)
	}
}

func (a *bitAccumulator) append(bit bool) {
	a.grow(a.pos + 1)
	if bit {
		a.bits[a.pos/8] |= 0x80 >> (a.pos % 8)
	}
	a.pos++
}

// takeBytes returns the accumulated bits cut at the byte boundary
// and resets the accumulator, keeping its capacity.
func (a *bitAccumulator) takeBytes() []byte {
	out := make([]byte, a.pos/8)
	copy(out, a.bits)
	for i := range a.bits {
		a.bits[i] = 0
	}
	a.pos = 0
	return out
}
