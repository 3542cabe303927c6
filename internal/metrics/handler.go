package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the admin metrics endpoint.
type Summary struct {
	HTTP      httpSummary          `json:"http"`
	Auth      map[string]authCount `json:"auth"`
	Guard     map[string]float64   `json:"guard"`
	RateLimit rateLimitInfo        `json:"rateLimit"`
	Mail      mailInfo             `json:"mail"`
	Audit     auditInfo            `json:"audit"`
	DB        dbInfo               `json:"db"`
	Server    serverInfo           `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type authCount struct {
	Successes float64 `json:"successes"`
	Failures  float64 `json:"failures"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type mailInfo struct {
	Failures float64 `json:"failures"`
}

type auditInfo struct {
	Flushes     float64 `json:"flushes"`
	FlushErrors float64 `json:"flushErrors"`
	Events      float64 `json:"events"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Handler returns an http.HandlerFunc that serves a JSON summary of the
// live metrics.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	latency := fam["rentdesk_http_request_duration_seconds"]
	start := gaugeValue(fam["rentdesk_server_start_time_seconds"])

	return &Summary{
		HTTP: httpSummary{
			TotalRequests: sumCounter(fam["rentdesk_http_requests_total"], nil),
			ErrorRate:     errorRate(fam["rentdesk_http_requests_total"]),
			P50Latency:    histogramPercentile(latency, 0.50),
			P95Latency:    histogramPercentile(latency, 0.95),
			P99Latency:    histogramPercentile(latency, 0.99),
		},
		Auth:  authCounts(fam["rentdesk_auth_attempts_total"]),
		Guard: groupCounter(fam["rentdesk_guard_decisions_total"], "outcome"),
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["rentdesk_ratelimit_rejections_total"], nil),
		},
		Mail: mailInfo{
			Failures: sumCounter(fam["rentdesk_mail_failures_total"], nil),
		},
		Audit: auditInfo{
			Flushes:     sumCounter(fam["rentdesk_audit_flushes_total"], nil),
			FlushErrors: sumCounter(fam["rentdesk_audit_flushes_total"], withLabel("status", "error")),
			Events:      sumCounter(fam["rentdesk_audit_events_total"], nil),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["rentdesk_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["rentdesk_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["rentdesk_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

// --- Prometheus metric helpers ---

type metricFilter func(m *dto.Metric) bool

func withLabel(name, value string) metricFilter {
	return func(m *dto.Metric) bool {
		return labelValue(m, name) == value
	}
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func sumCounter(f *dto.MetricFamily, keep metricFilter) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil || (keep != nil && !keep(m)) {
			continue
		}
		total += m.GetCounter().GetValue()
	}
	return total
}

func groupCounter(f *dto.MetricFamily, label string) map[string]float64 {
	out := map[string]float64{}
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			out[labelValue(m, label)] += m.GetCounter().GetValue()
		}
	}
	return out
}

func authCounts(f *dto.MetricFamily) map[string]authCount {
	out := map[string]authCount{}
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		kind := labelValue(m, "kind")
		c := out[kind]
		if labelValue(m, "result") == "success" {
			c.Successes += m.GetCounter().GetValue()
		} else {
			c.Failures += m.GetCounter().GetValue()
		}
		out[kind] = c
	}
	return out
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 || ms[0].GetGauge() == nil {
		return 0
	}
	return ms[0].GetGauge().GetValue()
}

// errorRate is the share of requests answered with a 4xx or 5xx status.
func errorRate(f *dto.MetricFamily) float64 {
	total := sumCounter(f, nil)
	if total == 0 {
		return 0
	}
	errs := sumCounter(f, func(m *dto.Metric) bool {
		code := labelValue(m, "status_code")
		return len(code) > 0 && code[0] >= '4'
	})
	return errs / total
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	var totalCount uint64
	cumulative := make(map[float64]uint64)
	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			cumulative[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	if totalCount == 0 {
		return 0
	}

	bounds := make([]float64, 0, len(cumulative))
	for ub := range cumulative {
		if !math.IsInf(ub, 1) {
			bounds = append(bounds, ub)
		}
	}
	if len(bounds) == 0 {
		return 0
	}
	sort.Float64s(bounds)

	rank := q * float64(totalCount)
	var prevBound float64
	var prevCount uint64
	for _, ub := range bounds {
		count := cumulative[ub]
		if float64(count) >= rank {
			inBucket := count - prevCount
			if inBucket == 0 {
				return ub
			}
			fraction := (rank - float64(prevCount)) / float64(inBucket)
			return prevBound + fraction*(ub-prevBound)
		}
		prevBound, prevCount = ub, count
	}

	// Rank falls in the +Inf bucket.
	return bounds[len(bounds)-1]
}
