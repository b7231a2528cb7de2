package fraud

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ExportFormatVersion is bumped whenever the export document changes shape.
const ExportFormatVersion = 1

// ScoreRecord is one scoring call kept for the audit trail.
type ScoreRecord struct {
	ID       string           `json:"id"`
	Input    TransactionInput `json:"input"`
	Result   *ScoringResult   `json:"result"`
	Degraded bool             `json:"degraded"`
	ScoredAt time.Time        `json:"scoredAt"`
}

// Clone returns a deep copy of r.
func (r *ScoreRecord) Clone() *ScoreRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Result = r.Result.Clone()
	return &c
}

// Transaction projects the record onto the history feed shape.
func (r *ScoreRecord) Transaction() Transaction {
	tx := Transaction{
		ID:        r.ID,
		Amount:    r.Input.Amount,
		Type:      r.Input.Type,
		Timestamp: r.ScoredAt,
	}
	if r.Result != nil {
		tx.FraudProbability = r.Result.FraudProbability
		tx.Flagged = r.Result.Flagged
		tx.RiskLevel = r.Result.RiskLevel
	}
	return tx
}

// ExportDocument is the serialized form of a batch of score records.
type ExportDocument struct {
	FormatVersion int            `json:"formatVersion"`
	ExportedAt    time.Time      `json:"exportedAt"`
	Records       []*ScoreRecord `json:"records"`
}

// ErrUnsupportedExport is returned when an export document has an unknown
// format version.
var ErrUnsupportedExport = errors.New("unsupported export format")

// ExportRecords writes records as an indented JSON export document.
func ExportRecords(w io.Writer, records []*ScoreRecord, now time.Time) error {
	doc := ExportDocument{
		FormatVersion: ExportFormatVersion,
		ExportedAt:    now.UTC(),
		Records:       make([]*ScoreRecord, 0, len(records)),
	}
	for _, r := range records {
		c := r.Clone()
		c.ScoredAt = c.ScoredAt.UTC()
		doc.Records = append(doc.Records, c)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return nil
}

// ImportRecords reads an export document produced by ExportRecords.
func ImportRecords(r io.Reader) ([]*ScoreRecord, error) {
	var doc ExportDocument
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	if doc.FormatVersion != ExportFormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedExport, doc.FormatVersion)
	}
	for i, rec := range doc.Records {
		if rec == nil || rec.Result == nil {
			return nil, fmt.Errorf("decode export: record %d has no result", i)
		}
		if !rec.Input.Type.Valid() {
			return nil, fmt.Errorf("decode export: record %d: unknown transaction type %q", i, rec.Input.Type)
		}
	}
	return doc.Records, nil
}
