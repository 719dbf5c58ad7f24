package quota

import (
	"fmt"
	"time"

	"github.com/drivesentry/drivesentry/internal/models"
)

// Level boundaries as usage percentages. A usage of exactly a boundary
// value belongs to the higher tier.
const (
	ThresholdLow      = 80.0
	ThresholdMedium   = 85.0
	ThresholdHigh     = 90.0
	ThresholdCritical = 95.0
)

const bytesPerGB = 1 << 30

// UsagePercent converts raw byte counts to a usage percentage. When total
// is zero or either value is unset the result is 0.0: an unconfigured
// quota reads as "no usage" rather than a division error.
func UsagePercent(used, total *int64) float64 {
	if used == nil || total == nil || *total <= 0 {
		return 0.0
	}
	return float64(*used) / float64(*total) * 100.0
}

// LevelFor maps a usage percentage to its warning level. The mapping is
// monotonic under the ordering none<low<medium<high<critical.
func LevelFor(usagePct float64) models.WarningLevel {
	switch {
	case usagePct >= ThresholdCritical:
		return models.WarningCritical
	case usagePct >= ThresholdHigh:
		return models.WarningHigh
	case usagePct >= ThresholdMedium:
		return models.WarningMedium
	case usagePct >= ThresholdLow:
		return models.WarningLow
	default:
		return models.WarningNone
	}
}

// BytesToGB converts a byte count to gigabytes.
func BytesToGB(b int64) float64 {
	return float64(b) / bytesPerGB
}

// Summary is the display form of a quota snapshot. The monitor and the
// on-demand status query both build it through Summarize so the numbers an
// operator sees never disagree between call paths.
type Summary struct {
	TotalBytes     int64               `json:"total_bytes"`
	UsedBytes      int64               `json:"used_bytes"`
	AvailableBytes int64               `json:"available_bytes"`
	TotalGB        float64             `json:"total_gb"`
	UsedGB         float64             `json:"used_gb"`
	AvailableGB    float64             `json:"available_gb"`
	UsagePercent   float64             `json:"usage_percent"`
	Level          models.WarningLevel `json:"warning_level"`
}

// Summarize computes the summary for a quota snapshot. Nil inputs produce
// a zero summary at WarningNone.
func Summarize(total, used *int64) Summary {
	s := Summary{Level: models.WarningNone}
	if total != nil {
		s.TotalBytes = *total
		s.TotalGB = BytesToGB(*total)
	}
	if used != nil {
		s.UsedBytes = *used
		s.UsedGB = BytesToGB(*used)
	}
	s.UsagePercent = UsagePercent(used, total)
	s.Level = LevelFor(s.UsagePercent)
	if s.TotalBytes > s.UsedBytes {
		s.AvailableBytes = s.TotalBytes - s.UsedBytes
	}
	s.AvailableGB = BytesToGB(s.AvailableBytes)
	return s
}

// Recommendations returns the operator guidance for a warning level.
func Recommendations(level models.WarningLevel) []string {
	switch level {
	case models.WarningLow:
		return []string{
			"Review stored documents and remove obsolete uploads",
			"No immediate action required; usage is being tracked",
		}
	case models.WarningMedium:
		return []string{
			"Archive or delete unused documents",
			"Review large files in the storage account",
			"Consider enabling stricter upload limits",
		}
	case models.WarningHigh:
		return []string{
			"Free storage space now: uploads may start failing soon",
			"Empty the provider trash to reclaim already-deleted space",
			"Plan a storage upgrade or cleanup policy",
		}
	case models.WarningCritical:
		return []string{
			"IMMEDIATE ACTION: storage is nearly exhausted, uploads will fail",
			"Delete or migrate documents immediately",
			"Upgrade the storage plan or provision a second account",
		}
	default:
		return nil
	}
}

// BuildAlert assembles the alert value dispatched when a warning level is
// reached. The message embeds the usage percentage and remaining capacity
// in GB.
func BuildAlert(total, used *int64, now time.Time) models.Alert {
	s := Summarize(total, used)

	var msg string
	switch s.Level {
	case models.WarningCritical:
		msg = fmt.Sprintf("CRITICAL: storage %.1f%% full, only %.2f GB remaining", s.UsagePercent, s.AvailableGB)
	case models.WarningHigh:
		msg = fmt.Sprintf("Storage %.1f%% full, %.2f GB remaining", s.UsagePercent, s.AvailableGB)
	case models.WarningMedium:
		msg = fmt.Sprintf("Storage usage at %.1f%% (%.2f GB remaining)", s.UsagePercent, s.AvailableGB)
	case models.WarningLow:
		msg = fmt.Sprintf("Storage usage reached %.1f%% (%.2f GB remaining)", s.UsagePercent, s.AvailableGB)
	default:
		msg = fmt.Sprintf("Storage usage at %.1f%%", s.UsagePercent)
	}

	return models.Alert{
		Level:           s.Level,
		UsagePercent:    s.UsagePercent,
		TotalBytes:      s.TotalBytes,
		UsedBytes:       s.UsedBytes,
		AvailableBytes:  s.AvailableBytes,
		Message:         msg,
		Recommendations: Recommendations(s.Level),
		Timestamp:       now,
	}
}
