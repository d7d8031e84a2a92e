package keyrecord

import (
	"bytes"
	"testing"
)

func TestNullKeyRoundTrip(t *testing.T) {
	null := Null()
	if !null.IsNull() {
		t.Fatal("Null() must report IsNull() == true")
	}

	data := null.Marshal()
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !got.IsNull() {
		t.Fatalf("round-tripped null key is not null: id=%d size=%d", got.ID(), got.Size())
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	k := New(42, []byte("sifted-key-payload"))
	k.SetState(StateSifted)
	k.SetDisclosedBits(17)
	k.SetErrorRate(0.0123)
	k.SetIncomingScheme("evhash-32:01020304:00")
	k.SetOutgoingScheme("evhash-32:05060708:00")

	data := k.Marshal()
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got.ID() != k.ID() {
		t.Errorf("id mismatch: got %d want %d", got.ID(), k.ID())
	}
	if !bytes.Equal(got.Data(), k.Data()) {
		t.Errorf("payload mismatch: got %q want %q", got.Data(), k.Data())
	}
	if got.State() != k.State() {
		t.Errorf("state mismatch: got %v want %v", got.State(), k.State())
	}
	if got.DisclosedBits() != k.DisclosedBits() {
		t.Errorf("disclosed bits mismatch: got %d want %d", got.DisclosedBits(), k.DisclosedBits())
	}
	if got.ErrorRate() != k.ErrorRate() {
		t.Errorf("error rate mismatch: got %v want %v", got.ErrorRate(), k.ErrorRate())
	}
	if got.IncomingScheme() != k.IncomingScheme() {
		t.Errorf("incoming scheme mismatch: got %q want %q", got.IncomingScheme(), k.IncomingScheme())
	}
	if got.OutgoingScheme() != k.OutgoingScheme() {
		t.Errorf("outgoing scheme mismatch: got %q want %q", got.OutgoingScheme(), k.OutgoingScheme())
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateRaw:            "raw",
		StateSifted:         "sifted",
		StateErrorEstimated: "error-estimated",
		StateDisclosed:      "disclosed",
		State(200):          "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	k := New(1, []byte{1, 2, 3})
	clone := k.Clone()
	clone.Data()[0] = 99

	if k.Data()[0] == 99 {
		t.Fatal("Clone must deep-copy the payload")
	}
	if clone.ID() != k.ID() {
		t.Errorf("clone id mismatch: got %d want %d", clone.ID(), k.ID())
	}
}
