package fraud

// RiskLevel is one of four bands derived from a fraud probability.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevels lists every band from least to most severe.
var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// Band upper bounds (exclusive).
const (
	lowCeiling    = 0.25
	mediumCeiling = 0.50
	highCeiling   = 0.80
)

// RiskLevelFor maps a probability onto its band. Boundaries belong to the
// upper band.
func RiskLevelFor(p float64) RiskLevel {
	switch {
	case p < lowCeiling:
		return RiskLow
	case p < mediumCeiling:
		return RiskMedium
	case p < highCeiling:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Severity returns the band's position in RiskLevels, or -1 if unknown.
func (l RiskLevel) Severity() int {
	for i, known := range RiskLevels {
		if l == known {
			return i
		}
	}
	return -1
}

// AtLeast reports whether l is as severe as min.
func (l RiskLevel) AtLeast(min RiskLevel) bool {
	return l.Severity() >= min.Severity()
}

// IsFlagged applies the default flagging threshold.
func IsFlagged(p float64) bool {
	return p > FlagThreshold
}
