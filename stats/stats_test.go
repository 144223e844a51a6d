package stats

import (
	"errors"
	"testing"
	"time"
)

func TestRecordFinishedUpdatesHistogramAndAverages(t *testing.T) {
	s := New()
	s.RecordFinished(0, 100*time.Millisecond)
	s.RecordFinished(2, 300*time.Millisecond)

	st := s.GetState()
	if st.RequestsFinished != 2 {
		t.Fatalf("expected 2 finished, got %d", st.RequestsFinished)
	}
	if len(st.RetryHistogram) < 3 || st.RetryHistogram[0] != 1 || st.RetryHistogram[2] != 1 {
		t.Fatalf("unexpected histogram: %v", st.RetryHistogram)
	}
	avg, ok := st.AverageFinishedDuration()
	if !ok || avg != 200*time.Millisecond {
		t.Fatalf("expected average 200ms, got %v ok=%v", avg, ok)
	}
}

func TestAverageFinishedDurationNeverWithNoRequests(t *testing.T) {
	s := New()
	if _, ok := s.GetState().AverageFinishedDuration(); ok {
		t.Fatalf("expected no average with zero finished requests")
	}
}

func TestMergeSumsCountersAcrossReload(t *testing.T) {
	s := New()
	s.RecordFinished(0, 100*time.Millisecond)
	s.RecordFinished(1, 50*time.Millisecond)
	data, err := s.Persist()
	if err != nil {
		t.Fatal(err)
	}

	reloaded := New()
	if err := reloaded.Merge(data); err != nil {
		t.Fatal(err)
	}
	reloaded.RecordFinished(0, 100*time.Millisecond)
	reloaded.RecordFinished(1, 50*time.Millisecond)

	st := reloaded.GetState()
	if st.RequestsFinished != 4 {
		t.Fatalf("expected counters to sum across merge, got %d", st.RequestsFinished)
	}
	if st.RequestTotalFinishedDuration != 300*time.Millisecond {
		t.Fatalf("expected summed duration 300ms, got %v", st.RequestTotalFinishedDuration)
	}
}

func TestMergeTakesMaxDuration(t *testing.T) {
	s := New()
	s.RecordFinished(0, 5*time.Second)
	data, _ := s.Persist()

	reloaded := New()
	reloaded.RecordFinished(0, time.Second)
	if err := reloaded.Merge(data); err != nil {
		t.Fatal(err)
	}
	if reloaded.GetState().RequestMaxDuration != 5*time.Second {
		t.Fatalf("expected max duration preserved across merge")
	}
}

func TestErrorTrackerGroupsByGenericMessage(t *testing.T) {
	tr := NewErrorTracker(ErrorTrackerConfig{IncludeMessage: true})
	tr.Record(errors.New("timeout after 30 attempts"))
	tr.Record(errors.New("timeout after 52 attempts"))
	tr.Record(errors.New(`field "email" is required`))

	groups := tr.Groups()
	if tr.Total() != 2 {
		t.Fatalf("expected 2 distinct groups, got %d", tr.Total())
	}
	if groups[0].Count != 2 {
		t.Fatalf("expected most frequent group to have count 2, got %d", groups[0].Count)
	}
}
