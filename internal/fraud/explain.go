package fraud

// Explanation messages, in the order their rules are evaluated.
const (
	ExplainHighProbability   = "High fraud probability detected by the model"
	ExplainLargeAmount       = "Large transaction amount increases risk"
	ExplainRiskyType         = "Transaction type commonly associated with fraud"
	ExplainBalancePattern    = "Suspicious balance pattern: origin account empty before and after"
	ExplainHighRiskPeriod    = "Transaction occurred during a high-risk time period"
	ExplainNormal            = "Transaction appears normal"
	ExplainRateLimitFallback = "API rate limit reached - showing simulated results"
)

const (
	highProbabilityCutoff = 0.7
	largeAmountCutoff     = 10000
	highRiskStepCutoff    = 500
)

// Explain derives the human-readable reasons for a score. It is pure: the
// same input and probability always yield the same list.
func Explain(in TransactionInput, p float64) []string {
	var out []string
	if p > highProbabilityCutoff {
		out = append(out, ExplainHighProbability)
	}
	if in.Amount > largeAmountCutoff {
		out = append(out, ExplainLargeAmount)
	}
	if in.Type == TypeCashOut || in.Type == TypeTransfer {
		out = append(out, ExplainRiskyType)
	}
	if in.OldBalanceOrig == 0 && in.NewBalanceOrig == 0 {
		out = append(out, ExplainBalancePattern)
	}
	if in.Step > highRiskStepCutoff {
		out = append(out, ExplainHighRiskPeriod)
	}
	if len(out) == 0 {
		out = append(out, ExplainNormal)
	}
	return out
}

// Feature names reported in ScoringResult.FeatureImportance.
const (
	FeatureAmount         = "amount"
	FeatureType           = "type"
	FeatureOldBalanceOrig = "oldBalanceOrig"
	FeatureNewBalanceOrig = "newBalanceOrig"
	FeatureOldBalanceDest = "oldBalanceDest"
	FeatureNewBalanceDest = "newBalanceDest"
	FeatureStep           = "step"
)

// Features is the fixed feature set, in reporting order.
var Features = []string{
	FeatureAmount,
	FeatureType,
	FeatureOldBalanceOrig,
	FeatureNewBalanceOrig,
	FeatureOldBalanceDest,
	FeatureNewBalanceDest,
	FeatureStep,
}
