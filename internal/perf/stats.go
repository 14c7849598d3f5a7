package perf

import (
	"encoding/json"
	"net/http"
	"sort"
)

// Stats is the dashboard summary of the ledger
type Stats struct {
	P50E2EMs    float64 `json:"p50_e2e"`
	P90E2EMs    float64 `json:"p90_e2e"`
	AvgASRMs    float64 `json:"avg_asr"`
	AvgLLMMs    float64 `json:"avg_llm"`
	TotalTokens int     `json:"total_tokens"`
	Count       int     `json:"count"`
}

// Summarize computes latency percentiles and means over records
func Summarize(records []InteractionMetrics) Stats {
	var s Stats
	if len(records) == 0 {
		return s
	}

	e2e := make([]float64, len(records))
	var asrSum, llmSum float64
	for i, rec := range records {
		e2e[i] = rec.TotalE2EMs
		asrSum += rec.ASRLatencyMs
		llmSum += rec.LLMTTFTMs
		s.TotalTokens += rec.Tokens
	}
	sort.Float64s(e2e)

	s.Count = len(records)
	s.P50E2EMs = quantile(e2e, 0.5)
	s.P90E2EMs = quantile(e2e, 0.9)
	s.AvgASRMs = asrSum / float64(len(records))
	s.AvgLLMMs = llmSum / float64(len(records))
	return s
}

// quantile linearly interpolates between closest ranks of a sorted slice
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

// metricsResponse mirrors the research dashboard payload
type metricsResponse struct {
	Data  []InteractionMetrics `json:"data"`
	Stats *Stats               `json:"stats,omitempty"`
}

// Handler serves the ledger and its summary as JSON
func (m *Monitor) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records := m.Records()
		resp := metricsResponse{Data: records}
		if len(records) > 0 {
			stats := Summarize(records)
			resp.Stats = &stats
		}
		if resp.Data == nil {
			resp.Data = []InteractionMetrics{}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}
}
