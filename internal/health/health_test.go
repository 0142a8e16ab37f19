package health

import (
	"testing"
	"time"
)

func TestFailureThreshold(t *testing.T) {
	tr := NewTracker(3, time.Hour)
	defer tr.Close()

	if tr.RecordNavFailure() {
		t.Fatal("1st failure should not reach threshold")
	}
	if tr.RecordNavFailure() {
		t.Fatal("2nd failure should not reach threshold")
	}
	if !tr.RecordNavFailure() {
		t.Fatal("3rd failure should reach threshold")
	}
	// Counter keeps climbing until a success.
	if !tr.RecordNavFailure() {
		t.Fatal("4th failure should stay above threshold")
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	tr := NewTracker(2, time.Hour)
	defer tr.Close()

	tr.RecordNavFailure()
	tr.RecordNavSuccess()

	if tr.RecordNavFailure() {
		t.Fatal("failure after success should restart the count")
	}
	if got := tr.Snapshot().ConsecutiveFailures; got != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", got)
	}
}

func TestActiveOpsCounter(t *testing.T) {
	tr := NewTracker(3, time.Hour)
	defer tr.Close()

	tr.OpStarted()
	tr.OpStarted()
	tr.OpFinished()

	if got := tr.Snapshot().ActiveOps; got != 1 {
		t.Errorf("expected 1 active op, got %d", got)
	}
}

func TestRecoveringFlag(t *testing.T) {
	tr := NewTracker(3, time.Hour)
	defer tr.Close()

	if tr.IsRecovering() {
		t.Fatal("tracker should not start recovering")
	}
	tr.SetRecovering(true)
	if !tr.Snapshot().Recovering {
		t.Fatal("recovering flag should be visible in snapshot")
	}
}
