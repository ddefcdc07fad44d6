package observability

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// Metrics provides basic in-memory counters.
type Metrics struct {
	mu           sync.Mutex
	requestCount map[string]int64
	errorCount   map[string]int64
	inbound      map[string]int64
	assignments  map[string]int64
	sendFailures map[string]int64
	requestTime  time.Duration
}

// Snapshot is a point in time copy of all counters.
type Snapshot struct {
	Requests       map[string]int64 `json:"requests"`
	Errors         map[string]int64 `json:"errors"`
	Inbound        map[string]int64 `json:"inbound"`
	Assignments    map[string]int64 `json:"assignments"`
	SendFailures   map[string]int64 `json:"send_failures"`
	RequestSeconds float64          `json:"request_seconds_total"`
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	return &Metrics{
		requestCount: make(map[string]int64),
		errorCount:   make(map[string]int64),
		inbound:      make(map[string]int64),
		assignments:  make(map[string]int64),
		sendFailures: make(map[string]int64),
	}
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	key := pathKey(path, method, status)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount[key]++
	m.requestTime += duration
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	key := path + "|" + method + "|" + code
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount[key]++
}

// RecordInbound counts an inbound event outcome such as "processed",
// "duplicate" or "ignored:echo".
func (m *Metrics) RecordInbound(outcome string) {
	m.incr(func() map[string]int64 { return m.inbound }, outcome)
}

// RecordAssignment counts auto-assign results ("assigned", "skipped", "failed").
func (m *Metrics) RecordAssignment(outcome string) {
	m.incr(func() map[string]int64 { return m.assignments }, outcome)
}

// RecordSendFailure counts outbound messages that exhausted their retries.
func (m *Metrics) RecordSendFailure(sessionID string) {
	m.incr(func() map[string]int64 { return m.sendFailures }, sessionID)
}

func (m *Metrics) incr(bucket func() map[string]int64, key string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket()[key]++
}

// Snapshot copies current counters.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Requests:       copyCounts(m.requestCount),
		Errors:         copyCounts(m.errorCount),
		Inbound:        copyCounts(m.inbound),
		Assignments:    copyCounts(m.assignments),
		SendFailures:   copyCounts(m.sendFailures),
		RequestSeconds: m.requestTime.Seconds(),
	}
}

// InboundKeys lists known inbound outcomes in sorted order.
func (s Snapshot) InboundKeys() []string {
	keys := make([]string, 0, len(s.Inbound))
	for k := range s.Inbound {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func pathKey(path, method string, status int) string {
	return path + "|" + method + "|" + strconv.Itoa(status)
}
