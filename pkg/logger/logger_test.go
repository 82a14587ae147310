package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewDefaultsOnInvalidLevel(t *testing.T) {
	l := New(LoggingConfig{Level: "loud", Format: "text"})
	if l.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %s", l.GetLevel())
	}
}

func TestNewDefaultTagsComponent(t *testing.T) {
	l := NewDefault("mef")
	l.SetFormatter(&logrus.JSONFormatter{})
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithField("submission_id", "abc").Info("sent")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["component"] != "mef" {
		t.Fatalf("expected component field, got %v", entry["component"])
	}
	if entry["submission_id"] != "abc" {
		t.Fatalf("expected submission_id field, got %v", entry["submission_id"])
	}
	if l.Component() != "mef" {
		t.Fatalf("unexpected component %q", l.Component())
	}
}
