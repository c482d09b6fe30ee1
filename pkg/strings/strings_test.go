package strings_test

import (
	"testing"

	rstrings "github.com/opensci/runcat/pkg/strings"
)

func TestBytesToStringRoundTrip(t *testing.T) {
	b := []byte("detector_1")
	s := rstrings.BytesToString(b)
	if s != "detector_1" {
		t.Fatalf("got %q", s)
	}
}

func TestStringToBytesEmpty(t *testing.T) {
	if got := rstrings.StringToBytes(""); got != nil {
		t.Fatalf("expected nil for empty string, got %v", got)
	}
}

func TestBuilder(t *testing.T) {
	b := rstrings.NewBuilder(8)
	b.WriteString("dim_")
	b.WriteByte('0')
	if got := b.String(); got != "dim_0" {
		t.Fatalf("got %q", got)
	}
	if b.Len() != 5 {
		t.Fatalf("expected len 5, got %d", b.Len())
	}
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("expected reset builder to be empty")
	}
}

func TestSprintf(t *testing.T) {
	if got := rstrings.Sprintf("%s:%d", "seq_num", 3); got != "seq_num:3" {
		t.Fatalf("got %q", got)
	}
}

func TestIntern(t *testing.T) {
	in := rstrings.NewIntern()
	a := in.Get("det1")
	b := in.Get("det1")
	if a != b {
		t.Fatalf("expected interned values to be equal")
	}
	if in.Size() != 1 {
		t.Fatalf("expected 1 interned value, got %d", in.Size())
	}
	in.Get("det2")
	if in.Size() != 2 {
		t.Fatalf("expected 2 interned values, got %d", in.Size())
	}
}
