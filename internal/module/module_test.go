package module

import (
	"testing"
	"time"

	"github.com/ait-qkd/sifting-bb84/internal/config"
	"github.com/ait-qkd/sifting-bb84/internal/evhash"
	"github.com/ait-qkd/sifting-bb84/internal/keyrecord"
	"github.com/ait-qkd/sifting-bb84/internal/randsrc"
)

// nopHandler accepts and forwards every key untouched.
type nopHandler struct{}

func (nopHandler) Accept(*keyrecord.Key) bool { return true }
func (nopHandler) Process(*keyrecord.Key, Peer, *evhash.Hash, *evhash.Hash) (bool, error) {
	return true, nil
}

func voidConfig(id string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.ModuleID = id
	// all endpoints void: the worker idles without I/O
	return cfg
}

func newVoidModule(t *testing.T) *Module {
	t.Helper()
	rng, err := randsrc.NewFromURL("cong:1")
	if err != nil {
		t.Fatal(err)
	}
	m, err := New(voidConfig("test"), RoleAlice, rng, nopHandler{})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRole_String(t *testing.T) {
	cases := []struct {
		role Role
		want string
	}{
		{RoleAlice, "alice"},
		{RoleBob, "bob"},
		{Role(7), "unknown"},
	}
	for _, c := range cases {
		if got := c.role.String(); got != c.want {
			t.Errorf("Role(%d).String() = %s, want %s", c.role, got, c.want)
		}
	}
}

func TestState_String(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateNew, "new"},
		{StateReady, "ready"},
		{StateRunning, "running"},
		{StateTerminating, "terminating"},
		{StateTerminated, "terminated"},
		{State(9), "unknown"},
	}
	for _, c := range cases {
		if got := c.state.String(); got != c.want {
			t.Errorf("State(%d).String() = %s, want %s", c.state, got, c.want)
		}
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	rng, _ := randsrc.NewFromURL("cong:1")
	cfg := voidConfig("") // empty module id
	if _, err := New(cfg, RoleAlice, rng, nopHandler{}); err == nil {
		t.Error("invalid config should be rejected")
	}
}

func TestLifecycle(t *testing.T) {
	m := newVoidModule(t)

	if m.State() != StateNew {
		t.Fatalf("state = %s, want new", m.State())
	}
	if err := m.Resume(); err == nil {
		t.Error("resume from new must fail")
	}

	if err := m.Run(); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateReady {
		t.Fatalf("state = %s, want ready", m.State())
	}
	if err := m.Run(); err == nil {
		t.Error("double run must fail")
	}

	if err := m.Resume(); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateRunning {
		t.Fatalf("state = %s, want running", m.State())
	}

	if err := m.Pause(); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateReady {
		t.Fatalf("state = %s, want ready", m.State())
	}

	if err := m.Resume(); err != nil {
		t.Fatal(err)
	}

	m.Terminate()
	if m.State() != StateTerminated {
		t.Fatalf("state = %s, want terminated", m.State())
	}

	// terminating again is a no-op
	m.Terminate()
}

func TestTerminate_BeforeRun(t *testing.T) {
	m := newVoidModule(t)
	m.Terminate()
	if m.State() != StateTerminated {
		t.Fatalf("state = %s, want terminated", m.State())
	}
}

func TestRun_RequiresHandler(t *testing.T) {
	rng, _ := randsrc.NewFromURL("cong:1")
	m, err := New(voidConfig("test"), RoleAlice, rng, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Terminate()
	if err := m.Run(); err == nil {
		t.Error("run without handler must fail")
	}
}

func TestGetStats(t *testing.T) {
	m := newVoidModule(t)
	defer m.Terminate()

	m.stats.AddRead(8192, 0)
	m.stats.AddWritten(4096, 128)

	stats := m.GetStats()
	if stats["module_id"] != "test" {
		t.Errorf("module_id = %v", stats["module_id"])
	}
	if stats["role"] != "alice" {
		t.Errorf("role = %v", stats["role"])
	}
	if stats["keys_in"] != uint64(1) || stats["keys_out"] != uint64(1) {
		t.Errorf("key counts = %v/%v", stats["keys_in"], stats["keys_out"])
	}
	if stats["key_bits_in"] != uint64(8192) {
		t.Errorf("key_bits_in = %v", stats["key_bits_in"])
	}
	if stats["disclosed_bits_out"] != uint64(128) {
		t.Errorf("disclosed_bits_out = %v", stats["disclosed_bits_out"])
	}
}

func TestStats_RateWindow(t *testing.T) {
	var s Stats
	s.AddRead(800, 0)
	s.AddRead(800, 0)

	stats := s.GetStats()
	if stats["keys_in_per_sec"] != uint64(0) {
		t.Error("rates are zero before the first tick")
	}

	s.Tick()
	stats = s.GetStats()
	if stats["keys_in_per_sec"] != uint64(2) {
		t.Errorf("keys_in_per_sec = %v, want 2", stats["keys_in_per_sec"])
	}
	if stats["key_bits_in_per_sec"] != uint64(1600) {
		t.Errorf("key_bits_in_per_sec = %v, want 1600", stats["key_bits_in_per_sec"])
	}

	// no traffic in the next window
	s.Tick()
	stats = s.GetStats()
	if stats["keys_in_per_sec"] != uint64(0) {
		t.Errorf("keys_in_per_sec = %v, want 0 after idle window", stats["keys_in_per_sec"])
	}
	if stats["keys_in"] != uint64(2) {
		t.Error("totals must be monotonic")
	}
}

func TestCreateContexts(t *testing.T) {
	m := newVoidModule(t)
	defer m.Terminate()

	key := keyrecord.New(1, []byte{1, 2, 3, 4})

	in, out, err := m.createContexts(key)
	if err != nil {
		t.Fatal(err)
	}
	if in != nil || out != nil {
		t.Error("empty schemes must yield null contexts")
	}

	h, err := evhash.New(32, []byte{0, 0, 0, 3})
	if err != nil {
		t.Fatal(err)
	}
	key.SetIncomingScheme(h.Scheme())

	in, out, err = m.createContexts(key)
	if err != nil {
		t.Fatal(err)
	}
	if in == nil || in.Width() != 32 {
		t.Error("incoming context not built from scheme string")
	}
	if out != nil {
		t.Error("outgoing context should stay null")
	}

	key.SetOutgoingScheme("evhash-48:00:00")
	if _, _, err := m.createContexts(key); err == nil {
		t.Error("unsupported scheme width must fail")
	}
}

func TestTicker_SlidesRates(t *testing.T) {
	m := newVoidModule(t)
	if err := m.Run(); err != nil {
		t.Fatal(err)
	}
	defer m.Terminate()

	m.stats.AddRead(8, 0)
	time.Sleep(1200 * time.Millisecond)

	stats := m.GetStats()
	if stats["keys_in"] != uint64(1) {
		t.Errorf("keys_in = %v, want 1", stats["keys_in"])
	}
	// one tick (at ~1s) has slid the window over the single read
	if stats["keys_in_per_sec"] != uint64(1) {
		t.Errorf("keys_in_per_sec = %v, want 1", stats["keys_in_per_sec"])
	}
}
