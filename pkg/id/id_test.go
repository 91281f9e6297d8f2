package id

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestNextIsMonotonic(t *testing.T) {
	g := NewGeneratorAt(func() int64 { return 1000 })
	a := g.Next()
	b := g.Next()
	if a.Compare(b) >= 0 {
		t.Fatalf("expected a < b, got %s >= %s", a, b)
	}
}

func TestClockRegressionDoesNotGoBackwards(t *testing.T) {
	now := int64(1000)
	g := NewGeneratorAt(func() int64 { return now })

	a := g.Next()
	now = 500
	b := g.Next()
	if a.Compare(b) >= 0 {
		t.Fatalf("expected b > a despite clock regression")
	}
}

func TestSequenceOverflowWaitsForNextMs(t *testing.T) {
	var now atomic.Int64
	now.Store(2000)
	g := NewGeneratorAt(now.Load)
	g.lastMs = 2000
	g.seq = ^uint64(0)

	done := make(chan ID, 1)
	go func() { done <- g.Next() }()

	time.AfterFunc(10*time.Millisecond, func() { now.Store(2001) })

	select {
	case got := <-done:
		if got.Time().UnixMilli() != 2001 {
			t.Fatalf("expected id stamped at 2001, got %d", got.Time().UnixMilli())
		}
	case <-time.After(time.Second):
		t.Fatal("generator did not advance past sequence overflow")
	}
}

func TestParseRoundTrip(t *testing.T) {
	g := NewGeneratorAt(func() int64 { return 42 })
	a := g.Next()
	back, err := Parse(a.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if back != a {
		t.Fatalf("round trip mismatch: %s != %s", back, a)
	}
	if _, err := Parse("nope"); err == nil {
		t.Fatal("expected error for short input")
	}
	if _, err := Parse("zz000000000000000000000000000000"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}

func TestTextMarshalRoundTrip(t *testing.T) {
	g := NewGeneratorAt(func() int64 { return 77 })
	a := g.Next()

	text, err := a.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ID
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != a {
		t.Fatalf("round trip mismatch: %s != %s", back, a)
	}
	if err := back.UnmarshalText([]byte("short")); err == nil {
		t.Fatal("expected error for short input")
	}
}
