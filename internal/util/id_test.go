package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	plain := NewID("")
	if len(plain) != 32 || strings.Contains(plain, "-") {
		t.Fatalf("NewID(\"\") = %q, want 32 hex chars", plain)
	}

	conn := NewID("conn")
	if !strings.HasPrefix(conn, "conn_") {
		t.Fatalf("NewID(\"conn\") = %q, want conn_ prefix", conn)
	}
	if conn == NewID("conn") {
		t.Fatal("expected distinct ids")
	}
}
