package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_JSONRedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "debug", Format: "json", Output: &buf})

	logger.Info("issued", "magic_token", "abcdefghijklmnopqrstuvwxyz", "user", "alice")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["magic_token"] != redacted {
		t.Errorf("magic_token = %v, want redacted", entry["magic_token"])
	}
	if entry["user"] != "alice" {
		t.Errorf("user = %v, want alice", entry["user"])
	}
}

func TestNew_RedactsTokenInPath(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "text", Output: &buf})

	logger.Info("request", "path", "/api/posts/Zm9vYmFyYmF6cXV4cXV1eA/show/all")

	line := buf.String()
	if strings.Contains(line, "Zm9vYmFyYmF6cXV4cXV1eA") {
		t.Errorf("token leaked into log line: %s", line)
	}
	if !strings.Contains(line, "/api/posts/"+redacted+"/show/all") {
		t.Errorf("unexpected log line: %s", line)
	}
}

func TestNew_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Output: &buf})

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %s", buf.String())
	}
	logger.Warn("shown")
	if buf.Len() == 0 {
		t.Error("warn not logged at warn level")
	}
}

func TestRedactPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/health", "/health"},
		{"/api/posts/short", "/api/posts/short"},
		{"https://x.test/posts/abcdefghijklmnopqrstu", "https://x.test/posts/" + redacted},
		{"/api/auth/magic/abcdefghijklmnopqrstu", "/api/auth/magic/" + redacted},
	}
	for _, tt := range tests {
		if got := RedactPath(tt.in); got != tt.want {
			t.Errorf("RedactPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedact_Group(t *testing.T) {
	a := slog.Group("req", slog.String("password", "hunter2"), slog.String("method", "GET"))
	got := redact(a)
	attrs := got.Value.Group()
	if attrs[0].Value.String() != redacted {
		t.Errorf("password = %q, want redacted", attrs[0].Value.String())
	}
	if attrs[1].Value.String() != "GET" {
		t.Errorf("method = %q, want GET", attrs[1].Value.String())
	}
}

func TestIsSensitiveKey(t *testing.T) {
	for _, k := range []string{"token", "Authorization", "admin_password_hash", "client_secret"} {
		if !IsSensitiveKey(k) {
			t.Errorf("IsSensitiveKey(%q) = false", k)
		}
	}
	for _, k := range []string{"user", "path", "status"} {
		if IsSensitiveKey(k) {
			t.Errorf("IsSensitiveKey(%q) = true", k)
		}
	}
}
