package codecache

import (
	"bytes"
	"errors"
	"testing"
)

func TestStringTableDedup(t *testing.T) {
	st := NewStringTable()

	a := st.Intern("java.lang.Object")
	b := st.Intern("demo.Main")
	c := st.Intern("java.lang.Object")

	if a != c {
		t.Errorf("same content got different indexes: %d and %d", a, c)
	}
	if a == b {
		t.Error("different content got the same index")
	}
	if st.Count() != 2 {
		t.Errorf("expected 2 strings, got %d", st.Count())
	}
}

func TestStringTableRoundTrip(t *testing.T) {
	st := NewStringTable()
	inputs := []string{"", "x", "demo.Main#run", "runtime/throw"}
	for _, s := range inputs {
		st.Intern(s)
	}

	var buf bytes.Buffer
	st.WriteTo(&buf)
	if uint32(buf.Len()) != st.EncodedSize() {
		t.Fatalf("encoded %d bytes, EncodedSize says %d", buf.Len(), st.EncodedSize())
	}

	parsed, err := ParseStringTable(buf.Bytes(), st.Count())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	for i, s := range inputs {
		got, err := parsed.Lookup(uint32(i))
		if err != nil {
			t.Fatalf("lookup %d failed: %v", i, err)
		}
		if got != s {
			t.Errorf("string %d = %q, expected %q", i, got, s)
		}
		if parsed.Hash(uint32(i)) != StringHash([]byte(s)) {
			t.Errorf("string %d hash mismatch", i)
		}
	}

	// 解析后的表继续驻留时保持下标稳定
	if idx := parsed.Intern("demo.Main#run"); idx != 2 {
		t.Errorf("reintern of existing string got index %d, expected 2", idx)
	}
	if idx := parsed.Intern("new.String"); idx != 4 {
		t.Errorf("new string got index %d, expected 4", idx)
	}
}

func TestStringTableCorruptHash(t *testing.T) {
	st := NewStringTable()
	st.Intern("hello")

	var buf bytes.Buffer
	st.WriteTo(&buf)
	data := buf.Bytes()
	// 破坏内容哈希
	data[4] ^= 0xFF

	if _, err := ParseStringTable(data, 1); !errors.Is(err, ErrConsistency) {
		t.Errorf("expected ErrConsistency, got %v", err)
	}
}

func TestStringTableTruncated(t *testing.T) {
	if _, err := ParseStringTable([]byte{1, 2, 3}, 5); !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("expected ErrFormatMismatch, got %v", err)
	}
}

func TestStringTableLookupOutOfRange(t *testing.T) {
	st := NewStringTable()
	if _, err := st.Lookup(0); err == nil {
		t.Error("expected error for out of range index")
	}
}
