package summary

import (
	"math"
	"sort"

	"evalflow/internal/domain"
)

// MetricScore is the aggregated result of one evaluator across a task.
type MetricScore struct {
	MetricID            string               `json:"metricId"`
	MetricName          string               `json:"metricName"`
	Score               float64              `json:"score"`
	CalculateType       domain.CalculateType `json:"calculateType"`
	Weight              float64              `json:"weight"`
	ThresholdValue      float64              `json:"thresholdValue"`
	AboveThresholdCount int                  `json:"aboveThresholdCount"`
	ThresholdPassRate   float64              `json:"thresholdPassRate"`
	TotalCount          int                  `json:"totalCount"`
}

type Scores struct {
	Metrics        []MetricScore `json:"metrics"`
	AggregateScore float64       `json:"aggregateScore"`
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func Mean(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

func Median(scores []float64) float64 {
	n := len(scores)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// ScoreMetric aggregates the successful scores of one evaluator.
func ScoreMetric(ev domain.Evaluator, scores []float64) MetricScore {
	m := MetricScore{
		MetricID:       ev.Metric.ID,
		MetricName:     ev.Metric.Name,
		CalculateType:  ev.CalculateType,
		Weight:         ev.Weight,
		ThresholdValue: ev.ThresholdValue,
		TotalCount:     len(scores),
	}
	if m.CalculateType == "" {
		m.CalculateType = domain.CalculateMean
	}
	if len(scores) == 0 {
		return m
	}
	if m.CalculateType == domain.CalculateMedian {
		m.Score = Round2(Median(scores))
	} else {
		m.Score = Round2(Mean(scores))
	}
	for _, s := range scores {
		if s >= ev.ThresholdValue {
			m.AboveThresholdCount++
		}
	}
	m.ThresholdPassRate = math.Round(float64(m.AboveThresholdCount)/float64(len(scores))*10000) / 100
	return m
}

// Aggregate is the weighted mean of metric scores. Metrics without data keep
// their weight and contribute zero.
func Aggregate(metrics []MetricScore) float64 {
	var weighted, total float64
	for _, m := range metrics {
		weighted += m.Score * m.Weight
		total += m.Weight
	}
	if total <= 0 {
		return 0
	}
	return Round2(weighted / total)
}
