package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu               sync.RWMutex
	endpoint         map[string]*EndpointStat
	commandStatus    map[string]int64
	custodyEvent     map[string]int64
	gauges           map[string]float64
	protocolSeverity map[string]int64
	pushSignal       map[string]int64
	threatsConsumed  int64
	chainVerify      ChainVerifyStat
	Histograms       *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type ChainVerifyStat struct {
	Count   int64   `json:"count"`
	Broken  int64   `json:"broken"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt          string                  `json:"generated_at"`
	Endpoints            map[string]EndpointStat `json:"endpoints"`
	CommandStatuses      map[string]int64        `json:"command_statuses"`
	CustodyEvents        map[string]int64        `json:"custody_events"`
	Gauges               map[string]float64      `json:"gauges"`
	ProtocolSeverity     map[string]int64        `json:"protocol_severity"`
	PushSignals          map[string]int64        `json:"push_signals"`
	ThreatEventsConsumed int64                   `json:"threat_events_consumed_total"`
	ChainVerifyLatencyMS ChainVerifyStat         `json:"chain_verify_latency_ms"`
	Histograms           []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:         map[string]*EndpointStat{},
		commandStatus:    map[string]int64{},
		custodyEvent:     map[string]int64{},
		gauges:           map[string]float64{},
		protocolSeverity: map[string]int64{},
		pushSignal:       map[string]int64{},
		Histograms:       NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncCommandStatus counts commands entering any lifecycle status.
func (r *Registry) IncCommandStatus(status string) {
	status = strings.TrimSpace(strings.ToUpper(status))
	if status == "" {
		return
	}
	r.mu.Lock()
	r.commandStatus[status]++
	r.mu.Unlock()
}

// IncCustodyEvent counts custody ledger appends by event key.
func (r *Registry) IncCustodyEvent(eventKey string) {
	eventKey = strings.TrimSpace(eventKey)
	if eventKey == "" {
		return
	}
	r.mu.Lock()
	r.custodyEvent[eventKey]++
	r.mu.Unlock()
}

// IncProtocolSeverity counts policy decisions by matched protocol and triggering severity.
func (r *Registry) IncProtocolSeverity(protocolID, severity string) {
	protocolID = strings.TrimSpace(protocolID)
	severity = strings.TrimSpace(strings.ToUpper(severity))
	if protocolID == "" {
		return
	}
	if severity == "" {
		severity = "UNKNOWN"
	}
	key := protocolID + "|" + severity
	r.mu.Lock()
	r.protocolSeverity[key]++
	r.mu.Unlock()
}

// IncPushSignal counts push-hint delivery outcomes ("delivered", "failed").
func (r *Registry) IncPushSignal(outcome string) {
	outcome = strings.TrimSpace(strings.ToLower(outcome))
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.pushSignal[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncThreatEventsConsumed() {
	r.mu.Lock()
	r.threatsConsumed++
	r.mu.Unlock()
}

// ObserveChainVerify records a full custody chain verification pass.
func (r *Registry) ObserveChainVerify(d time.Duration, ok bool) {
	r.Histograms.GetWithBuckets("custody_chain_verify", ChainVerifyBuckets).Observe(d)
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chainVerify.Count++
	if !ok {
		r.chainVerify.Broken++
	}
	r.chainVerify.TotalMS += ms
	r.chainVerify.LastMS = ms
	if ms > r.chainVerify.MaxMS {
		r.chainVerify.MaxMS = ms
	}
	r.chainVerify.AvgMS = float64(r.chainVerify.TotalMS) / float64(r.chainVerify.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:          time.Now().UTC().Format(time.RFC3339),
		Endpoints:            make(map[string]EndpointStat, len(r.endpoint)),
		CommandStatuses:      make(map[string]int64, len(r.commandStatus)),
		CustodyEvents:        make(map[string]int64, len(r.custodyEvent)),
		Gauges:               make(map[string]float64, len(r.gauges)),
		ProtocolSeverity:     make(map[string]int64, len(r.protocolSeverity)),
		PushSignals:          make(map[string]int64, len(r.pushSignal)),
		ThreatEventsConsumed: r.threatsConsumed,
		ChainVerifyLatencyMS: r.chainVerify,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.commandStatus {
		out.CommandStatuses[k] = v
	}
	for k, v := range r.custodyEvent {
		out.CustodyEvents[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.protocolSeverity {
		out.ProtocolSeverity[k] = v
	}
	for k, v := range r.pushSignal {
		out.PushSignals[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP guardian_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE guardian_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "guardian_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP guardian_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE guardian_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "guardian_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP guardian_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE guardian_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "guardian_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP guardian_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE guardian_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "guardian_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP guardian_command_total commands by lifecycle status\n")
		b.WriteString("# TYPE guardian_command_total counter\n")
		for _, status := range SortedKeys(snap.CommandStatuses) {
			fmt.Fprintf(b, "guardian_command_total{status=%q} %d\n", status, snap.CommandStatuses[status])
		}
		b.WriteString("# HELP guardian_custody_event_total custody ledger appends by event key\n")
		b.WriteString("# TYPE guardian_custody_event_total counter\n")
		for _, key := range SortedKeys(snap.CustodyEvents) {
			fmt.Fprintf(b, "guardian_custody_event_total{event=%q} %d\n", key, snap.CustodyEvents[key])
		}
		b.WriteString("# HELP guardian_gauge operational gauge metrics\n")
		b.WriteString("# TYPE guardian_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "guardian_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP guardian_latency_seconds latency histogram\n")
			b.WriteString("# TYPE guardian_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "guardian_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "guardian_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "guardian_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "guardian_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "guardian_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "guardian_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "guardian_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP guardian_protocol_total policy decisions by protocol and severity\n")
		b.WriteString("# TYPE guardian_protocol_total counter\n")
		for _, key := range SortedKeys(snap.ProtocolSeverity) {
			parts := strings.SplitN(key, "|", 2)
			protocol := parts[0]
			severity := "UNKNOWN"
			if len(parts) == 2 {
				severity = parts[1]
			}
			fmt.Fprintf(b, "guardian_protocol_total{protocol=%q,severity=%q} %d\n", protocol, severity, snap.ProtocolSeverity[key])
		}

		b.WriteString("# HELP guardian_push_signal_total push hint outcomes\n")
		b.WriteString("# TYPE guardian_push_signal_total counter\n")
		for _, outcome := range SortedKeys(snap.PushSignals) {
			fmt.Fprintf(b, "guardian_push_signal_total{outcome=%q} %d\n", outcome, snap.PushSignals[outcome])
		}

		b.WriteString("# HELP guardian_chain_verify_latency_ms custody chain verification latency in ms\n")
		b.WriteString("# TYPE guardian_chain_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "guardian_chain_verify_latency_ms{stat=%q} %d\n", "last", snap.ChainVerifyLatencyMS.LastMS)
		fmt.Fprintf(b, "guardian_chain_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.ChainVerifyLatencyMS.AvgMS)
		fmt.Fprintf(b, "guardian_chain_verify_latency_ms{stat=%q} %d\n", "max", snap.ChainVerifyLatencyMS.MaxMS)
		fmt.Fprintf(b, "guardian_chain_verify_broken_total %d\n", snap.ChainVerifyLatencyMS.Broken)

		b.WriteString("# HELP guardian_threat_events_consumed_total threat events consumed from the bus\n")
		b.WriteString("# TYPE guardian_threat_events_consumed_total counter\n")
		fmt.Fprintf(b, "guardian_threat_events_consumed_total %d\n", snap.ThreatEventsConsumed)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
