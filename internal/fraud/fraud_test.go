package fraud

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExplain_Rules(t *testing.T) {
	tests := []struct {
		name string
		in   TransactionInput
		p    float64
		want []string
	}{
		{
			name: "normal payment",
			in:   TransactionInput{Step: 10, Type: TypePayment, Amount: 50, OldBalanceOrig: 100, NewBalanceOrig: 50},
			p:    0.1,
			want: []string{ExplainNormal},
		},
		{
			name: "everything fires in order",
			in:   TransactionInput{Step: 600, Type: TypeCashOut, Amount: 20000},
			p:    0.9,
			want: []string{
				ExplainHighProbability,
				ExplainLargeAmount,
				ExplainRiskyType,
				ExplainBalancePattern,
				ExplainHighRiskPeriod,
			},
		},
		{
			name: "transfer only",
			in:   TransactionInput{Step: 1, Type: TypeTransfer, Amount: 10, OldBalanceOrig: 10},
			p:    0.7,
			want: []string{ExplainRiskyType},
		},
		{
			name: "thresholds are exclusive",
			in:   TransactionInput{Step: 500, Type: TypeDebit, Amount: 10000, OldBalanceOrig: 1},
			p:    0.7,
			want: []string{ExplainNormal},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Explain(tt.in, tt.p))
		})
	}
}

func TestExplain_Pure(t *testing.T) {
	in := TransactionInput{Step: 700, Type: TypeTransfer, Amount: 15000}
	first := Explain(in, 0.8)
	second := Explain(in, 0.8)
	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)
}

func TestParseTransactionType(t *testing.T) {
	got, err := ParseTransactionType("cash-out")
	require.NoError(t, err)
	assert.Equal(t, TypeCashOut, got)

	got, err = ParseTransactionType(" payment ")
	require.NoError(t, err)
	assert.Equal(t, TypePayment, got)

	_, err = ParseTransactionType("wire")
	assert.Error(t, err)
}

func TestMockVersion(t *testing.T) {
	assert.Equal(t, "v2.1.0-mock", MockVersion("v2.1.0"))
	assert.Equal(t, "v2.1.0-mock", MockVersion("v2.1.0-mock"))
	assert.True(t, IsMockVersion("v3-mock"))
	assert.False(t, IsMockVersion("v3"))

	r := &ScoringResult{ModelVersion: MockVersion(DefaultModelVersion)}
	assert.True(t, r.Degraded())
}

func TestScoringResult_CloneIsDeep(t *testing.T) {
	r := &ScoringResult{
		Explanation:       []string{"a"},
		FeatureImportance: map[string]float64{FeatureAmount: 0.5},
	}
	c := r.Clone()
	c.Explanation[0] = "b"
	c.FeatureImportance[FeatureAmount] = 0.9

	assert.Equal(t, "a", r.Explanation[0])
	assert.Equal(t, 0.5, r.FeatureImportance[FeatureAmount])
}

func TestExportImport_RoundTrip(t *testing.T) {
	scoredAt := time.Date(2026, 3, 4, 5, 6, 7, 891011, time.UTC)
	records := []*ScoreRecord{
		{
			ID: "res_1",
			Input: TransactionInput{
				Step: 12, Type: TypeTransfer, Amount: 181.5,
				OldBalanceOrig: 181.5, NewBalanceOrig: 0,
				OldBalanceDest: 0, NewBalanceDest: 0,
			},
			Result: &ScoringResult{
				FraudProbability: 0.8731,
				Flagged:          true,
				Confidence:       0.9123456789,
				RiskLevel:        RiskCritical,
				Explanation:      []string{ExplainHighProbability, ExplainRiskyType},
				FeatureImportance: map[string]float64{
					FeatureAmount: 0.31, FeatureType: 0.27, FeatureStep: 0.0123,
				},
				ModelVersion:   DefaultModelVersion,
				ProcessingTime: 42.75,
			},
			ScoredAt: scoredAt,
		},
		{
			ID:     "res_2",
			Input:  TransactionInput{Step: 1, Type: TypePayment, Amount: 9.99, OldBalanceOrig: 100, NewBalanceOrig: 90.01},
			Result: &ScoringResult{FraudProbability: 0.02, RiskLevel: RiskLow, Explanation: []string{ExplainNormal}, ModelVersion: "v2.1.0-mock", Confidence: DegradedConfidence},
			Degraded: true,
			ScoredAt: scoredAt.Add(time.Minute),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, ExportRecords(&buf, records, scoredAt))

	got, err := ImportRecords(&buf)
	require.NoError(t, err)
	require.Len(t, got, len(records))

	for i := range records {
		assert.Equal(t, records[i].ID, got[i].ID)
		assert.Equal(t, records[i].Input, got[i].Input)
		assert.Equal(t, records[i].Result, got[i].Result)
		assert.Equal(t, records[i].Degraded, got[i].Degraded)
		assert.True(t, records[i].ScoredAt.Equal(got[i].ScoredAt))
	}
}

func TestImportRecords_RejectsUnknownVersion(t *testing.T) {
	_, err := ImportRecords(strings.NewReader(`{"formatVersion": 99, "records": []}`))
	assert.ErrorIs(t, err, ErrUnsupportedExport)
}

func TestImportRecords_RejectsMissingResult(t *testing.T) {
	doc := `{"formatVersion": 1, "records": [{"id": "x", "input": {"type": "PAYMENT"}}]}`
	_, err := ImportRecords(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestScoreRecord_Transaction(t *testing.T) {
	rec := &ScoreRecord{
		ID:       "res_9",
		Input:    TransactionInput{Type: TypeCashIn, Amount: 12},
		Result:   &ScoringResult{FraudProbability: 0.3, RiskLevel: RiskMedium},
		ScoredAt: time.Unix(100, 0),
	}
	tx := rec.Transaction()
	assert.Equal(t, "res_9", tx.ID)
	assert.Equal(t, TypeCashIn, tx.Type)
	assert.Equal(t, RiskMedium, tx.RiskLevel)
	assert.False(t, tx.Flagged)
}

func TestFallbackModelStats(t *testing.T) {
	now := time.Now()
	s := FallbackModelStats(now)
	assert.Equal(t, 0.94, s.Accuracy)
	assert.Equal(t, 0.89, s.Precision)
	assert.Equal(t, 0.92, s.Recall)
	assert.Equal(t, 0.905, s.F1Score)
	assert.Equal(t, now, s.LastUpdated)
}
