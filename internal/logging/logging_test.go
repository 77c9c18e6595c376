package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice", "alice"},
		{"alice\nINFO forged", "alice INFO forged"},
		{"a\r\nb", "a  b"},
		{"tab\there", "tab here"},
		{"bell\x07", "bell"},
		{"del\x7f", "del"},
		{"ünïcode", "ünïcode"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "shellcn.log")
	if err := Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	log.Printf("[test] hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[test] hello") {
		t.Errorf("log file = %q", data)
	}
}

func TestCloseRestoresOutput(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	path := filepath.Join(t.TempDir(), "shellcn.log")
	if err := Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Close()
	Close()

	log.Printf("[test] after close")
	if !strings.Contains(buf.String(), "[test] after close") {
		t.Errorf("output not restored, buffer = %q", buf.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "after close") {
		t.Error("log file still written after Close")
	}
}

func TestInitEmptyPathIsNoop(t *testing.T) {
	if err := Init(""); err != nil {
		t.Fatalf("Init(\"\") = %v", err)
	}
}
