// Package stash tracks the keys a module has received locally but
// not yet processed, split into an out-of-sync partition (present
// here, not yet known to be present on the peer) and an in-sync
// partition (acknowledged on both sides, eligible for processing).
// The sync protocol run per worker tick agrees with the peer on the
// next key to process so both sides always pick the same id.
package stash

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ait-qkd/sifting-bb84/internal/codec"
	"github.com/ait-qkd/sifting-bb84/internal/keyrecord"
)

// sync message commands
const (
	cmdList    uint32 = iota // the message contains a list of stashed key ids
	cmdPick                  // the message contains the id of a key to pick
	cmdNoPick                // there is no key to pick
	cmdPickAck               // the peer acknowledges the key id
	cmdPickNack              // the peer does not acknowledge the key id
)

// DefaultTTL is the default lifetime of an out-of-sync key.
const DefaultTTL = 10 * time.Second

// Messenger sends and receives key_sync messages on the peer
// connection. Sync traffic is not folded into the per-key
// authenticator contexts, so no crypto context appears here.
type Messenger interface {
	SendSync(payload []byte) error
	RecvSync() ([]byte, error)
}

type stashedKey struct {
	key     *keyrecord.Key
	stashed time.Time
	inSync  bool
}

// Stash is one side's sliding set of keys awaiting alignment with the
// peer. It is owned by a single module worker and is not safe for
// concurrent use.
type Stash struct {
	msgr      Messenger
	initiator bool
	ttl       time.Duration

	keys     []stashedKey // insertion order; I1: ids unique
	peerList []uint64     // last received peer id list (initiator only)

	logger *slog.Logger
}

// New builds a stash bound to a peer messenger. The initiator flag
// selects which branch of the sync handshake this side runs.
func New(msgr Messenger, initiator bool, ttl time.Duration, logger *slog.Logger) *Stash {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stash{
		msgr:      msgr,
		initiator: initiator,
		ttl:       ttl,
		logger:    logger.With("component", "stash"),
	}
}

// Push adds a newly received key to the out-of-sync partition. Null
// keys and duplicate ids are ignored.
func (s *Stash) Push(key *keyrecord.Key) {
	if key.IsNull() {
		return
	}
	for _, k := range s.keys {
		if k.key.ID() == key.ID() {
			return
		}
	}
	s.keys = append(s.keys, stashedKey{key: key, stashed: time.Now()})
}

// Len returns the total number of stashed keys.
func (s *Stash) Len() int { return len(s.keys) }

// InSync returns the ids of the in-sync partition, in order.
func (s *Stash) InSync() []uint64 { return s.ids(true) }

// OutOfSync returns the ids of the out-of-sync partition, in order.
func (s *Stash) OutOfSync() []uint64 { return s.ids(false) }

func (s *Stash) ids(inSync bool) []uint64 {
	var res []uint64
	for _, k := range s.keys {
		if k.inSync == inSync {
			res = append(res, k.key.ID())
		}
	}
	return res
}

// Purge evicts out-of-sync keys older than the TTL. In-sync keys are
// never purged; the peer has already acknowledged them.
func (s *Stash) Purge() {
	var expired []uint64
	kept := s.keys[:0]
	for _, k := range s.keys {
		if !k.inSync && time.Since(k.stashed) > s.ttl {
			expired = append(expired, k.key.ID())
		} else {
			kept = append(kept, k)
		}
	}
	s.keys = kept
	if len(expired) > 0 {
		s.logger.Debug("key-SYNC purging expired keys", "ids", idList(expired))
	}
}

// Sync runs the list-exchange step of one sync tick: the responder
// sends its current id list, the initiator receives it and promotes
// every key present on both sides to the in-sync partition. Errors
// here never reach the caller and the next tick retries: a failed
// receive on the initiator is dropped silently, a failed send on the
// responder and a malformed list are logged as warnings. A malformed
// list does not terminate the module.
func (s *Stash) Sync() {
	s.Purge()
	if s.initiator {
		payload, err := s.msgr.RecvSync()
		if err != nil {
			return
		}
		if err := s.recvList(payload); err != nil {
			s.logger.Warn("key-SYNC malformed list from peer", "error", err)
			return
		}
	} else {
		s.sendList()
	}
}

// sendList sends our current id list to the peer (responder side).
func (s *Stash) sendList() {
	w := codec.NewPayloadWriter()
	w.WriteU32(cmdList)
	w.WriteU64(uint64(len(s.keys)))
	for _, k := range s.keys {
		w.WriteU64(k.key.ID())
	}

	s.logger.Debug("key-SYNC send", "ids", idList(s.ids(true)), "out_of_sync", idList(s.ids(false)))

	if err := s.msgr.SendSync(w.Bytes()); err != nil {
		s.logger.Warn("failed to send list of stashed keys to peer", "error", err)
	}
}

// recvList parses the peer's id list and promotes common keys to the
// in-sync partition. A malformed list is a hard error.
func (s *Stash) recvList(payload []byte) error {
	r := codec.NewPayloadReader(payload)
	if cmd := r.ReadU32(); cmd != cmdList {
		return fmt.Errorf("stash: sync list expected, but command %d received", cmd)
	}
	count := r.ReadU64()
	s.peerList = s.peerList[:0]
	for i := uint64(0); i < count; i++ {
		s.peerList = append(s.peerList, r.ReadU64())
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("stash: truncated sync list: %w", err)
	}

	for i := range s.keys {
		if contains(s.peerList, s.keys[i].key.ID()) {
			s.keys[i].inSync = true
		}
	}

	s.logger.Debug("key-SYNC recv", "peer_ids", idList(s.peerList))
	return nil
}

// Pick agrees with the peer on the next key to process, removes it
// from the stash, and returns it. The null key is returned when there
// is nothing to pick or the exchange failed; the caller loops.
func (s *Stash) Pick() (*keyrecord.Key, error) {
	if s.initiator {
		return s.pickInitiator()
	}
	return s.pickResponder()
}

// choose returns the first local key also present in the peer's list,
// preserving local insertion order so both honest endpoints converge
// on the same id.
func (s *Stash) choose() *keyrecord.Key {
	for _, k := range s.keys {
		if k.inSync {
			return k.key
		}
	}
	return keyrecord.Null()
}

func (s *Stash) pickInitiator() (*keyrecord.Key, error) {
	key := s.choose()

	w := codec.NewPayloadWriter()
	if key.IsNull() {
		w.WriteU32(cmdNoPick)
		s.logger.Debug("key-SYNC no key to pick")
	} else {
		w.WriteU32(cmdPick)
		w.WriteU64(key.ID())
		s.logger.Debug("key-SYNC pick key", "id", key.ID())
	}

	if err := s.msgr.SendSync(w.Bytes()); err != nil {
		s.logger.Warn("failed to send pick of key to peer", "error", err)
		return keyrecord.Null(), nil
	}
	if key.IsNull() {
		return key, nil
	}

	payload, err := s.msgr.RecvSync()
	if err != nil {
		s.logger.Warn("failed to receive acknowledge of key to pick", "error", err)
		return keyrecord.Null(), nil
	}

	r := codec.NewPayloadReader(payload)
	switch cmd := r.ReadU32(); cmd {
	case cmdPickAck:
	case cmdPickNack:
		s.logger.Debug("key-SYNC key pick rejected by peer")
		return keyrecord.Null(), nil
	default:
		return nil, fmt.Errorf("stash: received an invalid answer %d for key pick assignment", cmd)
	}

	s.Remove(key.ID())
	return key, nil
}

func (s *Stash) pickResponder() (*keyrecord.Key, error) {
	payload, err := s.msgr.RecvSync()
	if err != nil {
		s.logger.Warn("failed to recv pick of key from peer", "error", err)
		return keyrecord.Null(), nil
	}

	r := codec.NewPayloadReader(payload)
	switch cmd := r.ReadU32(); cmd {
	case cmdPick:
	case cmdNoPick:
		s.logger.Debug("key-SYNC no key to pick")
		return keyrecord.Null(), nil
	default:
		return nil, fmt.Errorf("stash: key sync message does not contain pick command (%d)", cmd)
	}

	keyID := r.ReadU64()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("stash: truncated pick message: %w", err)
	}

	var picked *keyrecord.Key
	for i := range s.keys {
		if s.keys[i].key.ID() == keyID {
			s.keys[i].inSync = true
			picked = s.keys[i].key
			break
		}
	}

	w := codec.NewPayloadWriter()
	if picked != nil {
		w.WriteU32(cmdPickAck)
	} else {
		w.WriteU32(cmdPickNack)
	}
	if err := s.msgr.SendSync(w.Bytes()); err != nil {
		s.logger.Warn("failed to send ack/nack of key to peer", "error", err)
		return keyrecord.Null(), nil
	}

	if picked == nil {
		return keyrecord.Null(), nil
	}
	s.Remove(keyID)
	return picked, nil
}

// Remove deletes a key id from the stash and the last peer list.
func (s *Stash) Remove(keyID uint64) {
	for i, k := range s.keys {
		if k.key.ID() == keyID {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
	for i, id := range s.peerList {
		if id == keyID {
			s.peerList = append(s.peerList[:i], s.peerList[i+1:]...)
			break
		}
	}
}

// Stats reports the partition sizes and the oldest out-of-sync age,
// consumed by the module statistics.
func (s *Stash) Stats() map[string]any {
	var oldest time.Duration
	inSync, outOfSync := 0, 0
	for _, k := range s.keys {
		if k.inSync {
			inSync++
			continue
		}
		outOfSync++
		if age := time.Since(k.stashed); age > oldest {
			oldest = age
		}
	}
	return map[string]any{
		"in_sync":            inSync,
		"out_of_sync":        outOfSync,
		"oldest_out_of_sync": oldest.Seconds(),
	}
}

func contains(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func idList(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
