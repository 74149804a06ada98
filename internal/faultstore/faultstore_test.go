package faultstore

import (
	"errors"
	"testing"
)

func TestStoreRethrowClearsTheFault(t *testing.T) {
	var s Store
	if err := s.Rethrow(); err != nil {
		t.Fatalf("Rethrow on empty store returned %v, want nil", err)
	}
	want := errors.New("boom")
	s.Store(want)
	if got := s.Rethrow(); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got := s.Rethrow(); got != nil {
		t.Fatalf("Rethrow after consuming the fault returned %v, want nil", got)
	}
}

func TestStoreKeepsOnlyTheMostRecentFault(t *testing.T) {
	var s Store
	s.Store(errors.New("first"))
	second := errors.New("second")
	s.Store(second)
	if got := s.Peek(); got != second {
		t.Fatalf("got %v, want the most recently stored fault %v", got, second)
	}
}

func TestPeekDoesNotClear(t *testing.T) {
	var s Store
	want := errors.New("boom")
	s.Store(want)
	if got := s.Peek(); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got := s.Peek(); got != want {
		t.Fatalf("Peek cleared the fault; got %v, want %v", got, want)
	}
	if got := s.Rethrow(); got != want {
		t.Fatalf("Rethrow after Peek got %v, want %v", got, want)
	}
}
