// Package aggregate reduces transaction lists into the series the dashboard
// charts. Every function is pure and returns the same bucket layout for an
// empty input as for a full one.
package aggregate

import (
	"math"
	"time"

	"github.com/mbd888/fraudlens/internal/fraud"
)

// Summary is the headline row of the dashboard.
type Summary struct {
	Total           int     `json:"total"`
	Flagged         int     `json:"flagged"`
	FraudRate       float64 `json:"fraudRate"`
	TotalAmount     float64 `json:"totalAmount"`
	MeanProbability float64 `json:"meanProbability"`
}

// Summarize computes the headline figures.
func Summarize(txs []fraud.Transaction) Summary {
	var s Summary
	var probSum float64
	for _, tx := range txs {
		s.Total++
		if tx.Flagged {
			s.Flagged++
		}
		s.TotalAmount += tx.Amount
		probSum += tx.FraudProbability
	}
	if s.Total > 0 {
		s.FraudRate = round4(float64(s.Flagged) / float64(s.Total))
		s.MeanProbability = round4(probSum / float64(s.Total))
	}
	s.TotalAmount = round2(s.TotalAmount)
	return s
}

// RiskBucket counts transactions in one risk band.
type RiskBucket struct {
	Level   fraud.RiskLevel `json:"level"`
	Count   int             `json:"count"`
	Percent float64         `json:"percent"`
}

// RiskDistribution returns one bucket per band, LOW first. The band is
// derived from the probability, not the stored level, so inconsistent
// upstream rows still land in the right bucket.
func RiskDistribution(txs []fraud.Transaction) []RiskBucket {
	out := make([]RiskBucket, len(fraud.RiskLevels))
	for i, lvl := range fraud.RiskLevels {
		out[i].Level = lvl
	}
	for _, tx := range txs {
		out[fraud.RiskLevelFor(tx.FraudProbability).Severity()].Count++
	}
	if n := len(txs); n > 0 {
		for i := range out {
			out[i].Percent = round4(float64(out[i].Count) / float64(n))
		}
	}
	return out
}

// TypeBucket aggregates one transaction type.
type TypeBucket struct {
	Type        fraud.TransactionType `json:"type"`
	Count       int                   `json:"count"`
	Flagged     int                   `json:"flagged"`
	TotalAmount float64               `json:"totalAmount"`
}

// TypeBreakdown returns one bucket per known type in display order.
// Transactions of unknown type are skipped.
func TypeBreakdown(txs []fraud.Transaction) []TypeBucket {
	out := make([]TypeBucket, len(fraud.TransactionTypes))
	index := make(map[fraud.TransactionType]int, len(fraud.TransactionTypes))
	for i, t := range fraud.TransactionTypes {
		out[i].Type = t
		index[t] = i
	}
	for _, tx := range txs {
		i, ok := index[tx.Type]
		if !ok {
			continue
		}
		out[i].Count++
		if tx.Flagged {
			out[i].Flagged++
		}
		out[i].TotalAmount += tx.Amount
	}
	for i := range out {
		out[i].TotalAmount = round2(out[i].TotalAmount)
	}
	return out
}

// HourBucket is activity within one hour of the day (UTC).
type HourBucket struct {
	Hour    int `json:"hour"`
	Count   int `json:"count"`
	Flagged int `json:"flagged"`
}

// HourlyActivity returns 24 buckets, hour 0 first.
func HourlyActivity(txs []fraud.Transaction) []HourBucket {
	out := make([]HourBucket, 24)
	for h := range out {
		out[h].Hour = h
	}
	for _, tx := range txs {
		h := tx.Timestamp.UTC().Hour()
		out[h].Count++
		if tx.Flagged {
			out[h].Flagged++
		}
	}
	return out
}

// DayBucket is activity on one calendar day (UTC).
type DayBucket struct {
	Date            string  `json:"date"` // YYYY-MM-DD
	Count           int     `json:"count"`
	Flagged         int     `json:"flagged"`
	MeanProbability float64 `json:"meanProbability"`
}

// DailyTrend returns one bucket per UTC day for the trailing days days ending
// on now's date, oldest first. Transactions outside the window are ignored.
func DailyTrend(txs []fraud.Transaction, now time.Time, days int) []DayBucket {
	if days <= 0 {
		return []DayBucket{}
	}
	today := truncateDay(now)
	first := today.AddDate(0, 0, -(days - 1))

	out := make([]DayBucket, days)
	sums := make([]float64, days)
	for i := range out {
		out[i].Date = first.AddDate(0, 0, i).Format(time.DateOnly)
	}
	for _, tx := range txs {
		day := truncateDay(tx.Timestamp)
		if day.Before(first) || day.After(today) {
			continue
		}
		i := int(day.Sub(first).Hours() / 24)
		out[i].Count++
		if tx.Flagged {
			out[i].Flagged++
		}
		sums[i] += tx.FraudProbability
	}
	for i := range out {
		if out[i].Count > 0 {
			out[i].MeanProbability = round4(sums[i] / float64(out[i].Count))
		}
	}
	return out
}

// HistogramBin counts probabilities in [Lower, Upper). The last bin is
// closed on the right.
type HistogramBin struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int     `json:"count"`
}

// ProbabilityHistogram splits [0,1] into bins equal-width bins. bins below 1
// is treated as 10.
func ProbabilityHistogram(txs []fraud.Transaction, bins int) []HistogramBin {
	if bins < 1 {
		bins = 10
	}
	out := make([]HistogramBin, bins)
	width := 1.0 / float64(bins)
	for i := range out {
		out[i].Lower = round4(float64(i) * width)
		out[i].Upper = round4(float64(i+1) * width)
	}
	for _, tx := range txs {
		p := tx.FraudProbability
		if math.IsNaN(p) {
			continue
		}
		i := int(p * float64(bins))
		switch {
		case i < 0:
			i = 0
		case i >= bins:
			i = bins - 1
		}
		out[i].Count++
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
