package audit

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestRingWrapsAndKeepsMostRecent(t *testing.T) {
	l := New(4, nil)
	for i := 0; i < 6; i++ {
		l.Emit(Event{Kind: EventPosixDenied, Subject: "uid:1", Detail: "x"})
	}
	recent := l.Recent(4)
	if len(recent) != 4 {
		t.Fatalf("expected 4 events, got %d", len(recent))
	}
	if recent[0].Seq != 2 || recent[3].Seq != 5 {
		t.Fatalf("expected seqs 2..5 after wraparound, got %d..%d", recent[0].Seq, recent[3].Seq)
	}

	want := make([]Event, 4)
	for i := range want {
		want[i] = Event{Seq: uint64(i + 2), Kind: EventPosixDenied, Subject: "uid:1", Detail: "x"}
	}
	if diff := pretty.Compare(want, recent); diff != "" {
		t.Fatalf("unexpected ring contents after wraparound (-want +got):\n%s", diff)
	}
}

func TestAnalyzerFlagsBruteForce(t *testing.T) {
	a := NewAnalyzer(1, 2)
	if a.Observe("uid:7") {
		t.Fatalf("first observation should not exceed burst")
	}
	if a.Observe("uid:7") {
		t.Fatalf("second observation should not exceed burst of 2")
	}
	if !a.Observe("uid:7") {
		t.Fatalf("third rapid observation should exceed the rate limit")
	}
}

func TestAuthFailureEmitsAnomalyOnceRateExceeded(t *testing.T) {
	l := New(16, nil)
	l.analyzer = NewAnalyzer(1, 1)
	for i := 0; i < 3; i++ {
		l.Emit(Event{Kind: EventAuthFailure, Subject: "uid:9"})
	}
	found := false
	for _, e := range l.Recent(16) {
		if e.Kind == EventAnomalyThreat {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an anomaly event after repeated rapid auth failures")
	}
}
