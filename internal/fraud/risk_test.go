package fraud

import "testing"

func TestRiskLevelFor(t *testing.T) {
	tests := []struct {
		p    float64
		want RiskLevel
	}{
		{0, RiskLow},
		{0.1, RiskLow},
		{0.2499, RiskLow},
		{0.25, RiskMedium},
		{0.49, RiskMedium},
		{0.50, RiskHigh},
		{0.7999, RiskHigh},
		{0.80, RiskCritical},
		{0.95, RiskCritical},
		{1, RiskCritical},
	}

	for _, tt := range tests {
		if got := RiskLevelFor(tt.p); got != tt.want {
			t.Errorf("RiskLevelFor(%v) = %s, want %s", tt.p, got, tt.want)
		}
	}
}

func TestRiskLevelFor_AlwaysKnownBand(t *testing.T) {
	for i := 0; i <= 1000; i++ {
		p := float64(i) / 1000
		if RiskLevelFor(p).Severity() < 0 {
			t.Fatalf("RiskLevelFor(%v) returned unknown band", p)
		}
	}
}

func TestRiskLevelFor_Monotonic(t *testing.T) {
	prev := RiskLevelFor(0).Severity()
	for i := 1; i <= 1000; i++ {
		cur := RiskLevelFor(float64(i) / 1000).Severity()
		if cur < prev {
			t.Fatalf("band severity decreased at p=%v", float64(i)/1000)
		}
		prev = cur
	}
}

func TestRiskLevel_AtLeast(t *testing.T) {
	if !RiskCritical.AtLeast(RiskHigh) {
		t.Error("CRITICAL should be at least HIGH")
	}
	if RiskLow.AtLeast(RiskMedium) {
		t.Error("LOW should not be at least MEDIUM")
	}
	if !RiskMedium.AtLeast(RiskMedium) {
		t.Error("a band is at least itself")
	}
}

func TestIsFlagged(t *testing.T) {
	if IsFlagged(0.5) {
		t.Error("0.5 is not above the threshold")
	}
	if !IsFlagged(0.51) {
		t.Error("0.51 should be flagged")
	}
}
