package alerts

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/drivesentry/drivesentry/internal/logging"
	"github.com/drivesentry/drivesentry/internal/models"
)

func sampleAlert(level models.WarningLevel) models.Alert {
	return models.Alert{
		Level:          level,
		UsagePercent:   91.5,
		TotalBytes:     100 << 30,
		UsedBytes:      91 << 30,
		AvailableBytes: 9 << 30,
		Message:        "Storage usage reached 91.5%",
		Recommendations: []string{
			"Delete unneeded files",
			"Empty the trash",
		},
		Timestamp: time.Now(),
	}
}

func TestFormatMessage(t *testing.T) {
	msg := FormatMessage(sampleAlert(models.WarningHigh))

	for _, want := range []string{
		"Storage quota high",
		"Usage: 91.5%",
		"91.00 GB of 100.00 GB",
		"Delete unneeded files",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("Message missing %q:\n%s", want, msg)
		}
	}
}

func TestFormatMessageOmitsSizesWhenUnknown(t *testing.T) {
	alert := sampleAlert(models.WarningLow)
	alert.TotalBytes = 0
	msg := FormatMessage(alert)
	if strings.Contains(msg, "GB of") {
		t.Errorf("Message should omit byte sizes when total is unknown:\n%s", msg)
	}
}

func TestLogNotifierSeverity(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.WithOutput(&buf), logging.WithLevel(logging.LevelDebug))
	n := NewLogNotifier(logger)

	if err := n.Send(sampleAlert(models.WarningCritical)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := n.Send(sampleAlert(models.WarningLow)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d", len(lines))
	}

	var first, second struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("Malformed log line: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("Malformed log line: %v", err)
	}
	if first.Level != "error" {
		t.Errorf("Critical alerts should log at error, got %s", first.Level)
	}
	if second.Level != "warn" {
		t.Errorf("Low alerts should log at warn, got %s", second.Level)
	}
}
