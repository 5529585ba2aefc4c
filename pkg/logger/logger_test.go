package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		level      string
		format     string
		output     string
		outputFile string
		wantErr    bool
	}{
		{name: "json stdout debug", level: "debug", format: "json", output: "stdout"},
		{name: "text stderr info", level: "info", format: "text", output: "stderr"},
		{name: "text stdout warn", level: "warn", format: "text", output: "stdout"},
		{name: "invalid log level", level: "chatty", format: "json", output: "stdout", wantErr: true},
		{name: "invalid format", level: "info", format: "xml", output: "stdout", wantErr: true},
		{name: "invalid output", level: "info", format: "json", output: "syslog", wantErr: true},
		{name: "file output missing path", level: "info", format: "json", output: "file", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Initialize(tt.level, tt.format, tt.output, tt.outputFile)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Initialize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				want, _ := logrus.ParseLevel(tt.level)
				if GetLevel() != want {
					t.Errorf("level = %v, want %v", GetLevel(), want)
				}
			}
		})
	}
}

func TestInitializeKeepsSettingsOnError(t *testing.T) {
	if err := Initialize("warn", "json", "stdout", ""); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	var buf bytes.Buffer
	SetOutput(&buf)

	if err := Initialize("info", "xml", "stdout", ""); err == nil {
		t.Fatal("expected error for invalid format")
	}
	if err := Initialize("debug", "text", "file", ""); err == nil {
		t.Fatal("expected error for file output without a path")
	}
	if GetLevel() != logrus.WarnLevel {
		t.Errorf("level = %v, want warn", GetLevel())
	}

	ForComponent("probe").Warn("still json")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output should still be JSON on the original writer: %v", err)
	}
}

func TestInitializeReconfiguresExistingEntries(t *testing.T) {
	if err := Initialize("info", "text", "stdout", ""); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	entry := ForComponent("probe")

	if err := Initialize("debug", "json", "stdout", ""); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	var buf bytes.Buffer
	SetOutput(&buf)

	entry.Debug("Response was empty")

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("entry taken before Initialize should log JSON: %v (%q)", err, buf.String())
	}
	if decoded["level"] != "debug" {
		t.Errorf("level = %v, want debug", decoded["level"])
	}
}

func TestInitializeWithFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "probe.log")

	if err := Initialize("info", "json", "file", logFile); err != nil {
		t.Fatalf("Failed to initialize with file: %v", err)
	}

	ForComponent("probe").Info("Successfully connected")

	if err := Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	// Second close is a no-op.
	if err := Close(); err != nil {
		t.Fatalf("second Close() returned %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("Log output is not valid JSON: %v", err)
	}
	if entry[ComponentField] != "probe" {
		t.Errorf("component = %v, want probe", entry[ComponentField])
	}
}

func TestForComponent(t *testing.T) {
	if err := Initialize("info", "json", "stdout", ""); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}
	var buf bytes.Buffer
	SetOutput(&buf)

	ForComponent("probe").WithFields(logrus.Fields{
		"host": "example.org",
		"port": 80,
	}).Info("Successfully connected")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}
	if entry[ComponentField] != "probe" {
		t.Errorf("component = %v, want probe", entry[ComponentField])
	}
	if entry["host"] != "example.org" {
		t.Errorf("host = %v, want example.org", entry["host"])
	}
	if entry["port"] != float64(80) {
		t.Errorf("port = %v, want 80", entry["port"])
	}
}

func TestWithError(t *testing.T) {
	if err := Initialize("info", "json", "stdout", ""); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}
	var buf bytes.Buffer
	SetOutput(&buf)

	ForComponent("probe").WithError(errors.New("connection refused")).Error("Socket unable to connect")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}
	if entry["error"] != "connection refused" {
		t.Errorf("error = %v, want connection refused", entry["error"])
	}
}

func TestTextFormat(t *testing.T) {
	if err := Initialize("info", "text", "stdout", ""); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}
	var buf bytes.Buffer
	SetOutput(&buf)

	log := ForComponent("probe")
	log.Infof("received %d bytes", 42)
	log.Debugf("hidden at info level")

	output := buf.String()
	if !strings.Contains(output, "received 42 bytes") {
		t.Errorf("expected formatted message, got: %s", output)
	}
	if !strings.Contains(output, "level=info") {
		t.Errorf("expected level=info, got: %s", output)
	}
	if strings.Contains(output, "hidden") {
		t.Errorf("debug message should be filtered, got: %s", output)
	}
}
