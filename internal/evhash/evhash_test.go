package evhash

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func alphaBytes32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// Scenario 1: evhash-32 empty input, alpha=1 -> finalize() = 0.
func TestScenario1EmptyInput(t *testing.T) {
	h, err := New(32, alphaBytes32(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := h.Finalize()
	want := make([]byte, 4)
	if !bytes.Equal(got, want) {
		t.Fatalf("Finalize() = %x, want %x", got, want)
	}
}

// Scenario 2: evhash-32 single block, alpha=3, input = element 1 ->
// finalize() = alpha, by Horner: t = (0+1)*alpha = alpha.
func TestScenario2SingleBlock(t *testing.T) {
	h, err := New(32, alphaBytes32(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.Update(alphaBytes32(1))
	got := h.Finalize()
	want := alphaBytes32(3)
	if !bytes.Equal(got, want) {
		t.Fatalf("Finalize() = %x, want %x", got, want)
	}
}

// P1/P2: evhash(alpha,x) is the same no matter how x is split across
// Update calls.
func TestUpdateSplitInvariance(t *testing.T) {
	data := make([]byte, 4*37)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}

	whole, _ := New(32, alphaBytes32(0x1234))
	whole.Update(data)
	wantTag := whole.Finalize()

	splits := [][]int{
		{len(data)},
		{4, len(data) - 4},
		{1, 3, len(data) - 4},
		{2, 2, 2, 2, len(data) - 8},
	}

	for _, split := range splits {
		h, _ := New(32, alphaBytes32(0x1234))
		off := 0
		for _, n := range split {
			h.Update(data[off : off+n])
			off += n
		}
		got := h.Finalize()
		if !bytes.Equal(got, wantTag) {
			t.Errorf("split %v: Finalize() = %x, want %x", split, got, wantTag)
		}
	}
}

// Boundary: a single byte less than block size finalizes via zero
// padding without consuming a second, separate block.
func TestFinalizePartialBlock(t *testing.T) {
	h, _ := New(32, alphaBytes32(5))
	h.Update([]byte{0xAB})

	h2, _ := New(32, alphaBytes32(5))
	h2.Update([]byte{0xAB, 0x00, 0x00, 0x00})

	if !bytes.Equal(h.Finalize(), h2.Finalize()) {
		t.Fatalf("zero-padded partial block must equal the explicit zero-padded full block")
	}
}

// P3: after Times(r), re-hashing r zero blocks and XORing into the
// original tag yields the same state.
func TestTimesMatchesZeroBlockReplay(t *testing.T) {
	h, _ := New(32, alphaBytes32(0x9))
	h.Update([]byte{0, 0, 0, 7})
	base := h.Finalize()

	withTimes, _ := New(32, alphaBytes32(0x9))
	withTimes.Update([]byte{0, 0, 0, 7})
	withTimes.Times(3)

	replay, _ := New(32, alphaBytes32(0x9))
	replay.Update([]byte{0, 0, 0, 7})
	replay.Update(make([]byte, 4*3))
	replayTag := replay.Tag()

	if !bytes.Equal(withTimes.Tag(), replayTag) {
		t.Fatalf("Times(3) tag = %x, want %x (base=%x)", withTimes.Tag(), replayTag, base)
	}
}

func TestSchemeRoundTrip(t *testing.T) {
	h, _ := New(64, make([]byte, 8))
	copy(h.alpha, elementFromBytes(h.f, []byte{0, 0, 0, 0, 0, 0, 0, 9}))
	h.tab = buildTables(h.f, h.alpha)

	h.Update([]byte("hello-world-123!"))
	scheme := h.Scheme()

	restored, err := ParseScheme(scheme)
	if err != nil {
		t.Fatalf("ParseScheme: %v", err)
	}
	if !bytes.Equal(restored.Tag(), h.Tag()) {
		t.Fatalf("restored tag = %x, want %x", restored.Tag(), h.Tag())
	}

	restored.Update([]byte("more"))
	h.Update([]byte("more"))
	if !bytes.Equal(restored.Finalize(), h.Finalize()) {
		t.Fatalf("restored hash diverged after continued Update")
	}
}

func TestUnsupportedWidth(t *testing.T) {
	if _, err := New(48, make([]byte, 6)); err == nil {
		t.Fatal("expected error for unsupported width 48")
	}
}

func TestAddRejectsWidthMismatch(t *testing.T) {
	h, _ := New(32, alphaBytes32(1))
	if err := h.Add(make([]byte, 8)); err == nil {
		t.Fatal("expected error combining mismatched tag widths")
	}
}

func TestAllSupportedWidths(t *testing.T) {
	for _, n := range []int{32, 64, 96, 128, 256} {
		alpha := make([]byte, n/8)
		alpha[len(alpha)-1] = 2
		h, err := New(n, alpha)
		if err != nil {
			t.Fatalf("New(%d): %v", n, err)
		}
		block := make([]byte, n/8)
		block[len(block)-1] = 1
		h.Update(block)
		tag := h.Finalize()
		if len(tag) != n/8 {
			t.Errorf("n=%d: tag length = %d, want %d", n, len(tag), n/8)
		}
		// single block of element 1: tag must equal alpha.
		if !bytes.Equal(tag, alpha) {
			t.Errorf("n=%d: single-block tag = %x, want alpha %x", n, tag, alpha)
		}
	}
}

func TestResetKeepsTablesWhenAlphaNil(t *testing.T) {
	h, _ := New(32, alphaBytes32(7))
	h.Update([]byte{0, 0, 0, 1})
	_ = h.Finalize()

	if err := h.Reset(nil); err != nil {
		t.Fatalf("Reset(nil): %v", err)
	}
	if !bytes.Equal(h.Tag(), make([]byte, 4)) {
		t.Fatalf("Reset must clear the running tag")
	}
	h.Update([]byte{0, 0, 0, 1})
	if !bytes.Equal(h.Finalize(), alphaBytes32(7)) {
		t.Fatalf("Reset(nil) must preserve the keyed alpha tables")
	}
}
