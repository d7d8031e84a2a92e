// Package module implements the pipeline module runtime: the state
// machine, the worker loop that moves key records from pipe-in
// through the module's processing to pipe-out, the peer connection
// shared by the key synchronizer and the protocol handler, and the
// module statistics.
package module

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ait-qkd/sifting-bb84/internal/codec"
	"github.com/ait-qkd/sifting-bb84/internal/config"
	"github.com/ait-qkd/sifting-bb84/internal/evhash"
	"github.com/ait-qkd/sifting-bb84/internal/keyrecord"
	"github.com/ait-qkd/sifting-bb84/internal/pqcchannel"
	"github.com/ait-qkd/sifting-bb84/internal/randsrc"
	"github.com/ait-qkd/sifting-bb84/internal/stash"
	"github.com/ait-qkd/sifting-bb84/internal/transport"
)

// Role selects which side of a pipeline stage this module runs:
// alice initiates every handshake, bob responds.
type Role int

const (
	RoleAlice Role = iota // initiator
	RoleBob               // responder
)

func (r Role) String() string {
	switch r {
	case RoleAlice:
		return "alice"
	case RoleBob:
		return "bob"
	default:
		return "unknown"
	}
}

// State represents the lifecycle state of a module.
type State int

const (
	StateNew State = iota
	StateReady
	StateRunning
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// pickIdleSleep is how long the worker rests when no key is
// available from the stash or pipe-in.
const pickIdleSleep = 50 * time.Millisecond

// pipeDrainTimeoutMS bounds each pipe-in poll when feeding the
// stash; long enough to establish the upstream connection once,
// short enough not to stall the sync tick.
const pipeDrainTimeoutMS = 10

// Peer is the authenticated message channel to the same stage on the
// other endpoint, as seen by a protocol handler. Data payloads are
// folded into the given authenticator contexts after a successful
// transfer.
type Peer interface {
	IsInitiator() bool
	Send(payload []byte, auth *evhash.Hash) error
	Recv(auth *evhash.Hash) ([]byte, error)
}

// Handler is the protocol stage a module runs: Accept filters
// incoming keys, Process exchanges messages with the peer stage and
// mutates or consumes the key. Returning true forwards the key to
// pipe-out.
type Handler interface {
	Accept(key *keyrecord.Key) bool
	Process(key *keyrecord.Key, peer Peer, in, out *evhash.Hash) (bool, error)
}

// Module is one pipeline stage endpoint.
type Module struct {
	cfg     *config.Config
	role    Role
	rng     randsrc.Source
	handler Handler

	stateMu   sync.Mutex
	stateCond *sync.Cond
	state     State

	ctx    context.Context
	cancel context.CancelFunc

	urlMu   sync.Mutex
	pipeIn  *transport.Conn
	pipeOut *transport.Conn
	peer    *transport.Conn

	stash *stash.Stash
	stats Stats

	terminateAfter uint64

	workerDone chan struct{}
	logger     *slog.Logger
}

// New builds a module from its configuration. The random source is
// passed explicitly to keep tests deterministic. The handler may be
// nil at construction and set later with SetHandler, but must be set
// before Run.
func New(cfg *config.Config, role Role, rng randsrc.Source, handler Handler) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("module: config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Module{
		cfg:            cfg,
		role:           role,
		rng:            rng,
		handler:        handler,
		state:          StateNew,
		ctx:            ctx,
		cancel:         cancel,
		terminateAfter: cfg.TerminateAfter,
		workerDone:     make(chan struct{}),
		logger: slog.Default().With(
			"component", "module",
			"module_id", cfg.ModuleID,
			"role", role.String(),
		),
	}
	m.stateCond = sync.NewCond(&m.stateMu)

	if err := m.openEndpoints(); err != nil {
		cancel()
		return nil, err
	}

	if cfg.SynchronizeKeys && m.hasPipeIn() {
		ttl := time.Duration(cfg.SynchronizeTTLSec) * time.Second
		m.stash = stash.New(m.Comm(), role == RoleAlice, ttl, m.logger)
	}

	return m, nil
}

// openEndpoints builds the four connections for the configured role.
func (m *Module) openEndpoints() error {
	eps := m.cfg.Alice
	if m.role == RoleBob {
		eps = m.cfg.Bob
	}

	pipeIn, err := transport.NewEndpoint(eps.URLPipeIn, transport.Options{ModuleID: m.cfg.ModuleID, Listen: true})
	if err != nil {
		return fmt.Errorf("module: pipe_in: %w", err)
	}
	pipeOut, err := transport.NewEndpoint(eps.URLPipeOut, transport.Options{ModuleID: m.cfg.ModuleID})
	if err != nil {
		return fmt.Errorf("module: pipe_out: %w", err)
	}

	peerOpts := transport.Options{ModuleID: m.cfg.ModuleID}
	peerURL := eps.URLPeer
	if m.role == RoleBob {
		peerOpts.Listen = true
		peerURL = eps.URLListen
	}
	if peerURL == "stdin://" || peerURL == "stdout://" {
		return fmt.Errorf("module: standard streams are not valid peer endpoints: %s", peerURL)
	}
	if m.cfg.PQCChannel {
		peerOpts.Securer = pqcchannel.New(m.role == RoleAlice)
	}
	peer, err := transport.NewEndpoint(peerURL, peerOpts)
	if err != nil {
		return fmt.Errorf("module: peer: %w", err)
	}

	m.pipeIn = transport.NewConn(m.ctx, pipeIn)
	m.pipeOut = transport.NewConn(m.ctx, pipeOut)
	m.peer = transport.NewConn(m.ctx, peer)
	return nil
}

func (m *Module) hasPipeIn() bool {
	eps := m.cfg.Alice
	if m.role == RoleBob {
		eps = m.cfg.Bob
	}
	return eps.URLPipeIn != "" && eps.URLPipeIn != "void://"
}

// SetHandler installs the protocol stage. Must be called before Run.
func (m *Module) SetHandler(h Handler) { m.handler = h }

// Role returns the configured role.
func (m *Module) Role() Role { return m.role }

// ID returns the module id.
func (m *Module) ID() string { return m.cfg.ModuleID }

// Pipeline returns the logical pipeline name.
func (m *Module) Pipeline() string { return m.cfg.Pipeline }

// Random returns the module's random source.
func (m *Module) Random() randsrc.Source { return m.rng }

// State returns the current lifecycle state.
func (m *Module) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// Stats returns the module statistics.
func (m *Module) Stats() *Stats { return &m.stats }

// GetStats returns a snapshot of module and stash statistics.
func (m *Module) GetStats() map[string]any {
	stats := m.stats.GetStats()
	stats["module_id"] = m.cfg.ModuleID
	stats["role"] = m.role.String()
	stats["state"] = m.State().String()
	if m.stash != nil {
		for k, v := range m.stash.Stats() {
			stats["stash_"+k] = v
		}
	}
	return stats
}

// Run transitions new -> ready and starts the worker. The worker
// idles until Resume.
func (m *Module) Run() error {
	if m.handler == nil {
		return fmt.Errorf("module: no handler set")
	}

	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.state != StateNew {
		return fmt.Errorf("module: cannot run from state %s", m.state)
	}
	m.state = StateReady

	go m.ticker()
	go m.worker()

	m.logger.Info("module ready", "pipeline", m.cfg.Pipeline)
	return nil
}

// Resume transitions ready -> running.
func (m *Module) Resume() error { return m.transition(StateReady, StateRunning) }

// Pause transitions running -> ready.
func (m *Module) Pause() error { return m.transition(StateRunning, StateReady) }

func (m *Module) transition(from, to State) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.state != from {
		return fmt.Errorf("module: cannot go %s -> %s from state %s", from, to, m.state)
	}
	m.state = to
	m.stateCond.Broadcast()
	m.logger.Debug("state change", "state", to.String())
	return nil
}

// Terminate requests shutdown from any state and interrupts blocking
// I/O. It returns once the worker has released its resources.
func (m *Module) Terminate() {
	m.stateMu.Lock()
	if m.state == StateTerminated || m.state == StateTerminating {
		m.stateMu.Unlock()
		return
	}
	started := m.state != StateNew
	m.state = StateTerminating
	m.stateCond.Broadcast()
	m.stateMu.Unlock()

	m.cancel()

	if started {
		<-m.workerDone
	} else {
		m.releaseResources()
		m.setState(StateTerminated)
	}
	m.logger.Info("module terminated")
}

func (m *Module) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateCond.Broadcast()
	m.stateMu.Unlock()
}

// waitRunning blocks until the module is running. It returns false
// when the module is terminating instead.
func (m *Module) waitRunning() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	for m.state != StateRunning {
		if m.state == StateTerminating || m.state == StateTerminated {
			return false
		}
		m.stateCond.Wait()
	}
	return true
}

// ticker slides the statistics rate window once per second.
func (m *Module) ticker() {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C:
			m.stats.Tick()
		}
	}
}

// worker is the module's processing loop. Programmer errors
// (panics) are logged and turned into termination, never a crashed
// process.
func (m *Module) worker() {
	defer close(m.workerDone)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("worker panic, terminating", "panic", r, "stack", string(debug.Stack()))
			m.cancel()
		}
		m.releaseResources()
		m.setState(StateTerminated)
	}()

	for m.waitRunning() {
		key := m.nextKey()
		if key.IsNull() {
			continue
		}

		if !m.handler.Accept(key) {
			m.logger.Debug("key not accepted, dropping", "key_id", key.ID())
			continue
		}

		in, out, err := m.createContexts(key)
		if err != nil {
			m.logger.Error("invalid crypto context on key, dropping", "key_id", key.ID(), "error", err)
			continue
		}

		forward, err := m.handler.Process(key, m.Comm(), in, out)
		if err != nil {
			m.logger.Warn("processing cycle failed, key dropped", "key_id", key.ID(), "error", err)
			continue
		}
		if forward {
			if in != nil {
				key.SetIncomingScheme(in.Scheme())
			}
			if out != nil {
				key.SetOutgoingScheme(out.Scheme())
			}
			if err := m.writeKey(key); err != nil {
				m.logger.Warn("failed to forward key", "key_id", key.ID(), "error", err)
				continue
			}
		}

		if m.cfg.TerminateAfter > 0 {
			m.terminateAfter--
			if m.terminateAfter == 0 {
				m.logger.Info("terminate-after count reached")
				go m.Terminate()
				return
			}
		}
	}
}

// nextKey picks the next key to process: a sync tick plus an agreed
// in-sync key when synchronizing, a plain pipe-in read otherwise.
// The null key means "nothing to do right now".
func (m *Module) nextKey() *keyrecord.Key {
	if m.stash != nil {
		m.stash.Sync()

		// move freshly arrived keys into the out-of-sync partition
		for {
			key, err := m.readKey(pipeDrainTimeoutMS)
			if err != nil || key.IsNull() {
				break
			}
			m.stash.Push(key)
		}

		key, err := m.stash.Pick()
		if err != nil {
			m.logger.Error("malformed key sync message, terminating", "error", err)
			go m.Terminate()
			return keyrecord.Null()
		}
		if key.IsNull() {
			m.idle()
		}
		return key
	}

	key, err := m.readKey(m.cfg.TimeoutPipeMS)
	if err != nil || key.IsNull() {
		m.idle()
		return keyrecord.Null()
	}
	return key
}

// idle is the key-pick fallback sleep, kept short so state changes
// are noticed promptly.
func (m *Module) idle() {
	select {
	case <-m.ctx.Done():
	case <-time.After(pickIdleSleep):
	}
}

// readKey reads one key record from pipe-in.
func (m *Module) readKey(timeoutMS int) (*keyrecord.Key, error) {
	msg, err := m.pipeIn.Recv(codec.TypeData, nil, timeoutMS)
	if err != nil {
		return keyrecord.Null(), err
	}
	key, err := keyrecord.Unmarshal(msg.Payload)
	if err != nil {
		return keyrecord.Null(), fmt.Errorf("module: malformed key record: %w", err)
	}
	m.stats.AddRead(uint64(key.Size())*8, key.DisclosedBits())
	return key, nil
}

// writeKey forwards one key record to pipe-out.
func (m *Module) writeKey(key *keyrecord.Key) error {
	msg := &codec.Message{
		Header:  codec.Header{Type: codec.TypeData},
		Payload: key.Marshal(),
	}
	if err := m.pipeOut.Send(msg, nil, m.cfg.TimeoutPipeMS); err != nil {
		return err
	}
	m.stats.AddWritten(uint64(key.Size())*8, key.DisclosedBits())
	return nil
}

// createContexts builds the incoming and outgoing authenticator
// contexts from the key's crypto scheme strings. An empty scheme
// yields the null context (nil).
func (m *Module) createContexts(key *keyrecord.Key) (in, out *evhash.Hash, err error) {
	if s := key.IncomingScheme(); s != "" {
		in, err = evhash.ParseScheme(s)
		if err != nil {
			return nil, nil, fmt.Errorf("incoming scheme: %w", err)
		}
	}
	if s := key.OutgoingScheme(); s != "" {
		out, err = evhash.ParseScheme(s)
		if err != nil {
			return nil, nil, fmt.Errorf("outgoing scheme: %w", err)
		}
	}
	return in, out, nil
}

func (m *Module) releaseResources() {
	m.urlMu.Lock()
	defer m.urlMu.Unlock()
	m.pipeIn.Close()
	m.pipeOut.Close()
	m.peer.Close()
}
