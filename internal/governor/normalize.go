package governor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/mbd888/fraudlens/internal/fraud"
	"github.com/mbd888/fraudlens/internal/synth"
)

type scoreField string

const (
	fieldProbability    scoreField = "probability"
	fieldFlagged        scoreField = "flagged"
	fieldConfidence     scoreField = "confidence"
	fieldModelVersion   scoreField = "modelVersion"
	fieldProcessingTime scoreField = "processingTime"
)

// scoreFieldAliases lists, per field, the upstream keys accepted for it in
// lookup order. The first key present wins.
var scoreFieldAliases = map[scoreField][]string{
	fieldProbability:    {"fraudProbability", "fraud_probability"},
	fieldFlagged:        {"flagged", "is_flagged"},
	fieldConfidence:     {"confidence"},
	fieldModelVersion:   {"modelVersion", "model_version"},
	fieldProcessingTime: {"processingTime", "processing_time"},
}

var errNotObject = errors.New("score response is not a JSON object")

// scorePayload is the raw upstream body keyed by field name.
type scorePayload map[string]json.RawMessage

func parseScorePayload(body []byte) (scorePayload, error) {
	var p scorePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode score response: %w", err)
	}
	if p == nil {
		return nil, errNotObject
	}
	return p, nil
}

// lookup decodes the first alias of field present in the payload into dst.
// Values of the wrong JSON type are treated as absent.
func (p scorePayload) lookup(field scoreField, dst any) bool {
	for _, key := range scoreFieldAliases[field] {
		raw, ok := p[key]
		if !ok || string(raw) == "null" {
			continue
		}
		if err := json.Unmarshal(raw, dst); err == nil {
			return true
		}
	}
	return false
}

// normalize turns an upstream payload into a ScoringResult. The explanation
// and feature importance are always generated locally, whatever the upstream
// sent.
func normalize(in fraud.TransactionInput, p scorePayload, src *synth.Source) *fraud.ScoringResult {
	var prob float64
	p.lookup(fieldProbability, &prob)
	prob = clamp01(prob)

	flagged := fraud.IsFlagged(prob)
	p.lookup(fieldFlagged, &flagged)

	var confidence float64
	if p.lookup(fieldConfidence, &confidence) {
		confidence = clamp01(confidence)
	} else {
		confidence = synth.Confidence(src)
	}

	version := fraud.DefaultModelVersion
	if !p.lookup(fieldModelVersion, &version) || version == "" {
		version = fraud.DefaultModelVersion
	}

	var processing float64
	if !p.lookup(fieldProcessingTime, &processing) {
		processing = synth.ProcessingTime(src)
	}

	return &fraud.ScoringResult{
		FraudProbability:  prob,
		Flagged:           flagged,
		Confidence:        confidence,
		RiskLevel:         fraud.RiskLevelFor(prob),
		Explanation:       fraud.Explain(in, prob),
		FeatureImportance: synth.FeatureImportance(src),
		ModelVersion:      version,
		ProcessingTime:    processing,
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
