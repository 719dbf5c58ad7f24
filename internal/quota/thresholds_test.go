package quota

import (
	"strings"
	"testing"
	"time"

	"github.com/drivesentry/drivesentry/internal/models"
)

func i64(v int64) *int64 { return &v }

func TestLevelBoundaries(t *testing.T) {
	cases := []struct {
		pct  float64
		want models.WarningLevel
	}{
		{0, models.WarningNone},
		{79.9, models.WarningNone},
		{80.0, models.WarningLow},
		{84.9, models.WarningLow},
		{85.0, models.WarningMedium},
		{89.9, models.WarningMedium},
		{90.0, models.WarningHigh},
		{94.9, models.WarningHigh},
		{95.0, models.WarningCritical},
		{100.0, models.WarningCritical},
		{104.2, models.WarningCritical},
	}
	for _, tc := range cases {
		if got := LevelFor(tc.pct); got != tc.want {
			t.Errorf("LevelFor(%.1f) = %s, want %s", tc.pct, got, tc.want)
		}
	}
}

func TestUsagePercentUnlimitedPlan(t *testing.T) {
	if got := UsagePercent(i64(50<<30), nil); got != 0.0 {
		t.Errorf("Nil total should read 0%%, got %.2f", got)
	}
	if got := UsagePercent(i64(50<<30), i64(0)); got != 0.0 {
		t.Errorf("Zero total should read 0%%, got %.2f", got)
	}
	if got := UsagePercent(nil, i64(100<<30)); got != 0.0 {
		t.Errorf("Nil used should read 0%%, got %.2f", got)
	}
}

func TestUsagePercentCanExceedHundred(t *testing.T) {
	// Trash and versioning can push usage past the nominal limit
	got := UsagePercent(i64(110<<30), i64(100<<30))
	if got < 109.9 || got > 110.1 {
		t.Errorf("Expected ~110%%, got %.2f", got)
	}
	if LevelFor(got) != models.WarningCritical {
		t.Errorf("Over-quota usage should be critical")
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(i64(100<<30), i64(92<<30))
	if s.Level != models.WarningHigh {
		t.Errorf("Expected high, got %s", s.Level)
	}
	if s.AvailableBytes != 8<<30 {
		t.Errorf("Unexpected available bytes %d", s.AvailableBytes)
	}
	if s.TotalGB != 100 || s.UsedGB != 92 {
		t.Errorf("Unexpected GB values %v / %v", s.TotalGB, s.UsedGB)
	}
}

func TestSummarizeNilSnapshot(t *testing.T) {
	s := Summarize(nil, nil)
	if s.Level != models.WarningNone {
		t.Errorf("Nil snapshot should be none, got %s", s.Level)
	}
	if s.UsagePercent != 0 || s.TotalBytes != 0 {
		t.Errorf("Nil snapshot should be zero valued: %+v", s)
	}
}

func TestRecommendationsPerLevel(t *testing.T) {
	if Recommendations(models.WarningNone) != nil {
		t.Error("No recommendations expected at none")
	}
	for _, level := range []models.WarningLevel{
		models.WarningLow, models.WarningMedium, models.WarningHigh, models.WarningCritical,
	} {
		if len(Recommendations(level)) == 0 {
			t.Errorf("Expected recommendations at %s", level)
		}
	}
}

func TestBuildAlert(t *testing.T) {
	now := time.Now()
	alert := BuildAlert(i64(100<<30), i64(96<<30), now)

	if alert.Level != models.WarningCritical {
		t.Fatalf("Expected critical, got %s", alert.Level)
	}
	if !strings.Contains(alert.Message, "CRITICAL") {
		t.Errorf("Critical alert message should shout: %q", alert.Message)
	}
	if !strings.Contains(alert.Message, "96.0%") {
		t.Errorf("Message should carry the usage percent: %q", alert.Message)
	}
	if len(alert.Recommendations) == 0 {
		t.Error("Critical alert should carry recommendations")
	}
	if !alert.Timestamp.Equal(now) {
		t.Error("Alert timestamp must be the caller's clock")
	}
}
