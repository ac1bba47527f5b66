package experiment

import "github.com/TobiSchelling/ipvscreen/internal/database"

// Metrics are classification metrics over an experiment. A nil field means
// the metric is undefined for the data (its denominator is zero).
type Metrics struct {
	Accuracy  *float64 `json:"accuracy"`
	Precision *float64 `json:"precision"`
	Recall    *float64 `json:"recall"`
	F1        *float64 `json:"f1"`
}

// ComputeMetrics derives accuracy, precision, recall and F1 from confusion
// counts. Rows without an outcome (errors, missing ground truth) do not
// contribute.
func ComputeMetrics(c database.Confusion) Metrics {
	var m Metrics
	m.Accuracy = ratio(c.TP+c.TN, c.TP+c.TN+c.FP+c.FN)
	m.Precision = ratio(c.TP, c.TP+c.FP)
	m.Recall = ratio(c.TP, c.TP+c.FN)
	if m.Precision != nil && m.Recall != nil {
		if sum := *m.Precision + *m.Recall; sum > 0 {
			f1 := 2 * *m.Precision * *m.Recall / sum
			m.F1 = &f1
		}
	}
	return m
}

func ratio(num, den int) *float64 {
	if den == 0 {
		return nil
	}
	v := float64(num) / float64(den)
	return &v
}

// Outcome holds the derived confusion-matrix flags for one result. At most
// one is true.
type Outcome struct {
	TruePositive  bool
	TrueNegative  bool
	FalsePositive bool
	FalseNegative bool
}

// DeriveOutcome compares a prediction with ground truth. Either side being
// unknown leaves every flag false.
func DeriveOutcome(detected, truth *bool) Outcome {
	if detected == nil || truth == nil {
		return Outcome{}
	}
	switch {
	case *detected && *truth:
		return Outcome{TruePositive: true}
	case !*detected && !*truth:
		return Outcome{TrueNegative: true}
	case *detected:
		return Outcome{FalsePositive: true}
	default:
		return Outcome{FalseNegative: true}
	}
}
