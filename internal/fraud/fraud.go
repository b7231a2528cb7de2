// Package fraud defines the transaction and scoring types shared by the
// governor, the dashboard API and the mock upstream.
//
// Probabilities map to four risk bands; explanations are derived from the
// transaction features by a fixed rule list so the dashboard can always show
// why a transaction was scored the way it was.
package fraud

import (
	"fmt"
	"strings"
	"time"
)

// TransactionType is the kind of money movement being scored.
type TransactionType string

const (
	TypeTransfer TransactionType = "TRANSFER"
	TypeCashOut  TransactionType = "CASH_OUT"
	TypePayment  TransactionType = "PAYMENT"
	TypeCashIn   TransactionType = "CASH_IN"
	TypeDebit    TransactionType = "DEBIT"
)

// TransactionTypes lists every type in display order.
var TransactionTypes = []TransactionType{
	TypeTransfer,
	TypeCashOut,
	TypePayment,
	TypeCashIn,
	TypeDebit,
}

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	for _, known := range TransactionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTransactionType accepts the canonical names case-insensitively, with
// either '_' or '-' as separator.
func ParseTransactionType(s string) (TransactionType, error) {
	t := TransactionType(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	if !t.Valid() {
		return "", fmt.Errorf("unknown transaction type %q", s)
	}
	return t, nil
}

// Model version defaults.
const (
	DefaultModelVersion = "v2.1.0"
	MockMarker          = "-mock"
)

// DegradedConfidence is the confidence reported on locally synthesized results.
const DegradedConfidence = 0.85

// FlagThreshold is the probability above which a transaction is flagged when
// the upstream does not say.
const FlagThreshold = 0.5

// TransactionInput is the record submitted for scoring.
type TransactionInput struct {
	Step           int             `json:"step"`
	Type           TransactionType `json:"type"`
	Amount         float64         `json:"amount"`
	OldBalanceOrig float64         `json:"oldBalanceOrig"`
	NewBalanceOrig float64         `json:"newBalanceOrig"`
	OldBalanceDest float64         `json:"oldBalanceDest"`
	NewBalanceDest float64         `json:"newBalanceDest"`
}

// ScoringResult is the uniform outcome of a scoring call, whether it came
// from the upstream model or was synthesized locally.
type ScoringResult struct {
	FraudProbability  float64            `json:"fraudProbability"`
	Flagged           bool               `json:"flagged"`
	Confidence        float64            `json:"confidence"`
	RiskLevel         RiskLevel          `json:"riskLevel"`
	Explanation       []string           `json:"explanation"`
	FeatureImportance map[string]float64 `json:"featureImportance"`
	ModelVersion      string             `json:"modelVersion"`
	ProcessingTime    float64            `json:"processingTime"` // milliseconds
}

// Degraded reports whether the result was synthesized instead of scored.
func (r *ScoringResult) Degraded() bool {
	return IsMockVersion(r.ModelVersion)
}

// Clone returns a deep copy of r.
func (r *ScoringResult) Clone() *ScoringResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Explanation = append([]string(nil), r.Explanation...)
	if r.FeatureImportance != nil {
		c.FeatureImportance = make(map[string]float64, len(r.FeatureImportance))
		for k, v := range r.FeatureImportance {
			c.FeatureImportance[k] = v
		}
	}
	return &c
}

// MockVersion tags a model version as locally synthesized.
func MockVersion(version string) string {
	if IsMockVersion(version) {
		return version
	}
	return version + MockMarker
}

// IsMockVersion reports whether version carries the mock marker.
func IsMockVersion(version string) bool {
	return strings.HasSuffix(version, MockMarker)
}

// Transaction is a scored transaction as listed in the history feed.
type Transaction struct {
	ID               string          `json:"id"`
	Amount           float64         `json:"amount"`
	Type             TransactionType `json:"type"`
	RiskLevel        RiskLevel       `json:"riskLevel"`
	FraudProbability float64         `json:"fraudProbability"`
	Flagged          bool            `json:"flagged"`
	Timestamp        time.Time       `json:"timestamp"`
}

// ModelStats are the aggregate metrics of the upstream model.
type ModelStats struct {
	Accuracy          float64   `json:"accuracy"`
	Precision         float64   `json:"precision"`
	Recall            float64   `json:"recall"`
	F1Score           float64   `json:"f1Score"`
	TotalTransactions int64     `json:"totalTransactions"`
	FraudDetected     int64     `json:"fraudDetected"`
	FalsePositives    int64     `json:"falsePositives"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// FallbackModelStats is what the dashboard shows when the stats endpoint is
// unreachable.
func FallbackModelStats(now time.Time) ModelStats {
	return ModelStats{
		Accuracy:          0.94,
		Precision:         0.89,
		Recall:            0.92,
		F1Score:           0.905,
		TotalTransactions: 125430,
		FraudDetected:     1247,
		FalsePositives:    89,
		LastUpdated:       now,
	}
}
