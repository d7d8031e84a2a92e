package keystore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ait-qkd/sifting-bb84/internal/keyrecord"
)

func TestNewFromURL(t *testing.T) {
	cases := []struct {
		url     string
		wantErr bool
	}{
		{"null://", false},
		{"ram://", false},
		{"ram://16", false},
		{"ram://zero", true},
		{"ram://0", true},
		{"file:///tmp/keys.db", true}, // flat-file store lives outside the core
		{"bogus", true},
	}
	for _, c := range cases {
		_, err := NewFromURL(c.url)
		if (err != nil) != c.wantErr {
			t.Errorf("NewFromURL(%q) error = %v, wantErr %v", c.url, err, c.wantErr)
		}
	}
}

func TestNullStore_RejectsEverything(t *testing.T) {
	s, _ := NewFromURL("null://")

	if err := s.Put(keyrecord.New(1, []byte{1})); !errors.Is(err, ErrRejected) {
		t.Errorf("Put error = %v, want ErrRejected", err)
	}
	if _, err := s.Get(1); !errors.Is(err, ErrRejected) {
		t.Errorf("Get error = %v, want ErrRejected", err)
	}
	if err := s.Del(1); !errors.Is(err, ErrRejected) {
		t.Errorf("Del error = %v, want ErrRejected", err)
	}
	if s.Count() != 0 {
		t.Error("null store is always empty")
	}
}

func TestRAMStore_PutGetDel(t *testing.T) {
	s, _ := NewFromURL("ram://")

	key := keyrecord.New(42, []byte{0xAA, 0xBB})
	key.SetState(keyrecord.StateSifted)
	if err := s.Put(key); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(42)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != 42 || !bytes.Equal(got.Data(), []byte{0xAA, 0xBB}) {
		t.Errorf("got id=%d data=%x", got.ID(), got.Data())
	}
	if got.State() != keyrecord.StateSifted {
		t.Errorf("state = %s, want sifted", got.State())
	}

	if err := s.Del(42); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(42); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Del = %v, want ErrNotFound", err)
	}
	if err := s.Del(42); !errors.Is(err, ErrNotFound) {
		t.Errorf("double Del = %v, want ErrNotFound", err)
	}
}

func TestRAMStore_CloneIsolation(t *testing.T) {
	s, _ := NewFromURL("ram://")

	key := keyrecord.New(1, []byte{0x01})
	s.Put(key)
	key.Data()[0] = 0xFF

	got, _ := s.Get(1)
	if got.Data()[0] != 0x01 {
		t.Error("store must hold its own copy of the payload")
	}

	got.Data()[0] = 0xEE
	again, _ := s.Get(1)
	if again.Data()[0] != 0x01 {
		t.Error("Get must return a copy, not the stored key")
	}
}

func TestRAMStore_Bounded(t *testing.T) {
	s, _ := NewFromURL("ram://2")

	if err := s.Put(keyrecord.New(1, []byte{1})); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(keyrecord.New(2, []byte{2})); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(keyrecord.New(3, []byte{3})); !errors.Is(err, ErrFull) {
		t.Errorf("Put into full store = %v, want ErrFull", err)
	}

	// replacing an existing id is not a growth
	if err := s.Put(keyrecord.New(2, []byte{0xFF})); err != nil {
		t.Errorf("replace in full store = %v", err)
	}
	if s.Count() != 2 {
		t.Errorf("count = %d, want 2", s.Count())
	}
}
