package models

// WarningLevel is a discrete quota warning tier. Levels are ordered:
// none < low < medium < high < critical.
type WarningLevel string

const (
	WarningNone     WarningLevel = "none"
	WarningLow      WarningLevel = "low"
	WarningMedium   WarningLevel = "medium"
	WarningHigh     WarningLevel = "high"
	WarningCritical WarningLevel = "critical"
)

var warningRanks = map[WarningLevel]int{
	WarningNone:     0,
	WarningLow:      1,
	WarningMedium:   2,
	WarningHigh:     3,
	WarningCritical: 4,
}

// Rank returns the ordinal position of the level. Unknown levels rank
// below none so a corrupted value never suppresses an alert.
func (w WarningLevel) Rank() int {
	if r, ok := warningRanks[w]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether w is at or above other in the level ordering.
func (w WarningLevel) AtLeast(other WarningLevel) bool {
	return w.Rank() >= other.Rank()
}

// Valid reports whether w is one of the defined levels.
func (w WarningLevel) Valid() bool {
	_, ok := warningRanks[w]
	return ok
}
