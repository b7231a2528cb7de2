package synth

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mbd888/fraudlens/internal/fraud"
)

const (
	// HistoryWindow is how far back synthesized history reaches.
	HistoryWindow = 7 * 24 * time.Hour

	maxMockProbability = 0.8
	maxHistoryAmount   = 50000
	minConfidence      = 0.7
	minProcessingMS    = 20
	maxProcessingMS    = 120
)

// FeatureImportance returns pseudo-random weights over the fixed feature set.
// Weights are independent and do not sum to one.
func FeatureImportance(src *Source) map[string]float64 {
	out := make(map[string]float64, len(fraud.Features))
	for _, f := range fraud.Features {
		out[f] = truncate(src.Float64(), 4)
	}
	return out
}

// Confidence returns a placeholder confidence in [0.7, 1.0).
func Confidence(src *Source) float64 {
	return truncate(src.Range(minConfidence, 1), 4)
}

// ProcessingTime returns a placeholder latency in milliseconds.
func ProcessingTime(src *Source) float64 {
	return round(src.Range(minProcessingMS, maxProcessingMS), 2)
}

// DegradedResult synthesizes the result returned when the upstream keeps
// rate limiting. The rate-limit warning always leads the explanation.
func DegradedResult(in fraud.TransactionInput, src *Source) *fraud.ScoringResult {
	p := truncate(src.Float64()*maxMockProbability, 4)
	explanation := append([]string{fraud.ExplainRateLimitFallback}, fraud.Explain(in, p)...)
	return &fraud.ScoringResult{
		FraudProbability:  p,
		Flagged:           fraud.IsFlagged(p),
		Confidence:        fraud.DegradedConfidence,
		RiskLevel:         fraud.RiskLevelFor(p),
		Explanation:       explanation,
		FeatureImportance: FeatureImportance(src),
		ModelVersion:      fraud.MockVersion(fraud.DefaultModelVersion),
		ProcessingTime:    ProcessingTime(src),
	}
}

// Transaction synthesizes one history entry with a timestamp in
// (now-HistoryWindow, now].
func Transaction(now time.Time, src *Source) fraud.Transaction {
	p := truncate(src.Float64(), 4)
	id, err := uuid.NewRandomFromReader(src)
	if err != nil {
		id = uuid.New()
	}
	return fraud.Transaction{
		ID:               "txn_" + id.String(),
		Amount:           round(src.Float64()*maxHistoryAmount, 2),
		Type:             fraud.TransactionTypes[src.IntN(len(fraud.TransactionTypes))],
		RiskLevel:        fraud.RiskLevelFor(p),
		FraudProbability: p,
		Flagged:          fraud.IsFlagged(p),
		Timestamp:        now.Add(-time.Duration(src.Int64N(int64(HistoryWindow)))),
	}
}

// History synthesizes limit transactions, most recent first.
func History(limit int, now time.Time, src *Source) []fraud.Transaction {
	if limit <= 0 {
		return []fraud.Transaction{}
	}
	out := make([]fraud.Transaction, limit)
	for i := range out {
		out[i] = Transaction(now, src)
	}
	SortNewestFirst(out)
	return out
}

// SortNewestFirst orders transactions by descending timestamp.
func SortNewestFirst(txs []fraud.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].Timestamp.After(txs[j].Timestamp)
	})
}

// ModelProbability imitates a trained model closely enough for demos: risky
// types, drained origin accounts and large amounts push the score up, and a
// little noise keeps repeated inputs from scoring identically.
func ModelProbability(in fraud.TransactionInput, src *Source) float64 {
	score := 0.05
	switch in.Type {
	case fraud.TypeTransfer, fraud.TypeCashOut:
		score += 0.25
	case fraud.TypeDebit:
		score += 0.05
	}
	if in.OldBalanceOrig > 0 && in.NewBalanceOrig == 0 && in.Amount >= in.OldBalanceOrig {
		score += 0.3
	}
	if in.OldBalanceOrig == 0 && in.NewBalanceOrig == 0 {
		score += 0.1
	}
	if in.Amount > 0 {
		score += math.Min(0.2, math.Log10(in.Amount+1)/30)
	}
	if in.Step > 500 {
		score += 0.05
	}
	score += src.Range(-0.05, 0.05)
	return round(math.Max(0, math.Min(1, score)), 4)
}

func round(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(v*pow) / pow
}

// truncate keeps half-open ranges half-open after rounding.
func truncate(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Floor(v*pow) / pow
}
