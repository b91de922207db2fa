// Package audit implements the audit/security half of Component I:
// a ring-buffered event log whose write cursor advances by atomic
// fetch-add and whose slots are each written under their own mutex, and
// a brute-force anomaly analyzer built on a token bucket.
//
// The log is a fixed-capacity ring sized at boot and never growing
// unbounded at runtime; golang.org/x/time/rate supplies the token-bucket
// rate limiting the brute-force analyzer needs, and prometheus/client_golang
// exposes the resulting counters the way a production Go service would.
package audit

import (
	"sync"
	uatomic "go.uber.org/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// EventKind classifies an audit event.
type EventKind int

const (
	EventCapabilityDenied EventKind = iota
	EventAuthFailure
	EventPosixDenied
	EventAnomalyThreat
)

func (k EventKind) String() string {
	switch k {
	case EventCapabilityDenied:
		return "capability_denied"
	case EventAuthFailure:
		return "auth_failure"
	case EventPosixDenied:
		return "posix_denied"
	case EventAnomalyThreat:
		return "anomaly_threat"
	default:
		return "unknown"
	}
}

// Event is one audit record.
type Event struct {
	Seq     uint64
	Kind    EventKind
	Subject string // e.g. "object:42" or "uid:1000"
	Detail  string
}

// Log is a fixed-capacity ring of the most recent audit events, written
// via an atomic fetch-add write cursor so concurrent Emit calls never
// block each other on a mutex for the common case.
type Log struct {
	events   []Event
	mu       []sync.Mutex // one striped lock per slot, to make Event writes atomic-by-slot
	writeSeq uatomic.Uint64

	denials   prometheus.Counter
	anomalies prometheus.Counter

	analyzer *Analyzer
}

// New constructs an audit log of the given capacity and registers its Prometheus counters, unless reg is nil.
func New(capacity int, reg prometheus.Registerer) *Log {
	if capacity <= 0 {
		capacity = 16 * 1024
	}
	l := &Log{
		events: make([]Event, capacity),
		mu:     make([]sync.Mutex, capacity),
		denials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exokernel_audit_denials_total",
			Help: "Total capability/POSIX permission denials recorded.",
		}),
		anomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exokernel_audit_anomalies_total",
			Help: "Total anomaly-analyzer threat detections.",
		}),
		analyzer: NewAnalyzer(5, 10),
	}
	if reg != nil {
		reg.MustRegister(l.denials, l.anomalies)
	}
	return l
}

// Emit appends an event to the ring, overwriting the oldest entry once
// the ring wraps.
func (l *Log) Emit(e Event) {
	seq := l.writeSeq.Add(1) - 1
	e.Seq = seq
	idx := int(seq % uint64(len(l.events)))
	l.mu[idx].Lock()
	l.events[idx] = e
	l.mu[idx].Unlock()

	switch e.Kind {
	case EventCapabilityDenied, EventPosixDenied:
		l.denials.Inc()
	case EventAnomalyThreat:
		l.anomalies.Inc()
	}

	if e.Kind == EventAuthFailure && l.analyzer.Observe(e.Subject) {
		l.Emit(Event{Kind: EventAnomalyThreat, Subject: e.Subject, Detail: "brute-force rate exceeded"})
	}
}

// Recent returns up to n of the most recently emitted events, oldest
// first, without guaranteeing a consistent snapshot under concurrent
// Emit calls.
func (l *Log) Recent(n int) []Event {
	total := l.writeSeq.Load()
	if uint64(n) > total {
		n = int(total)
	}
	cap := uint64(len(l.events))
	out := make([]Event, 0, n)
	start := total - uint64(n)
	for seq := start; seq < total; seq++ {
		idx := int(seq % cap)
		l.mu[idx].Lock()
		out = append(out, l.events[idx])
		l.mu[idx].Unlock()
	}
	return out
}

// Analyzer flags a subject (typically a uid or source address) once its
// observed failure rate exceeds a token-bucket threshold.
type Analyzer struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	perSec  rate.Limit
	burst   int
}

// NewAnalyzer constructs an analyzer; each distinct subject gets its own
// token bucket of ratePerSec/burst, matching internal/config.Audit.
func NewAnalyzer(ratePerSec float64, burst int) *Analyzer {
	return &Analyzer{
		buckets: make(map[string]*rate.Limiter),
		perSec:  rate.Limit(ratePerSec),
		burst:   burst,
	}
}

// Observe records one failure for subject and reports whether it has
// exceeded its allowed rate (i.e. the limiter's tokens are exhausted).
func (a *Analyzer) Observe(subject string) bool {
	a.mu.Lock()
	lim, ok := a.buckets[subject]
	if !ok {
		lim = rate.NewLimiter(a.perSec, a.burst)
		a.buckets[subject] = lim
	}
	a.mu.Unlock()
	return !lim.Allow()
}
