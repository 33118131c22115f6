package models

import (
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusSuccess, StatusFailed, StatusCanceled, StatusSkipped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	nonTerminal := []Status{StatusCreated, StatusPreparing, StatusPending, StatusWaitingForRunnerAck, StatusRunning, StatusManual, StatusScheduled}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestStatusActive(t *testing.T) {
	active := []Status{StatusPending, StatusWaitingForRunnerAck, StatusRunning, StatusPreparing}
	for _, s := range active {
		if !s.Active() {
			t.Errorf("%s.Active() = false, want true", s)
		}
	}
	if StatusManual.Active() {
		t.Error("manual.Active() = true, want false; manual jobs wait, they don't occupy the stage")
	}
	if StatusSuccess.Active() {
		t.Error("success.Active() = true, want false")
	}
}

func TestPipelineRootAncestorID(t *testing.T) {
	root := Pipeline{ID: 1, TraversalIDs: []int64{1}}
	if got := root.RootAncestorID(); got != 1 {
		t.Errorf("root RootAncestorID() = %d, want 1", got)
	}
	leaf := Pipeline{ID: 5, TraversalIDs: []int64{1, 3, 5}}
	if got := leaf.RootAncestorID(); got != 1 {
		t.Errorf("leaf RootAncestorID() = %d, want 1", got)
	}
	// Rows predating chain materialization fall back to self.
	bare := Pipeline{ID: 9}
	if got := bare.RootAncestorID(); got != 9 {
		t.Errorf("bare RootAncestorID() = %d, want 9", got)
	}
}

func TestJobCurrentAndErased(t *testing.T) {
	j := Job{Status: StatusSuccess}
	if !j.Current() {
		t.Error("Current() = false for a non-retried job")
	}
	j.Retried = true
	if j.Current() {
		t.Error("Current() = true for a retried job")
	}

	if j.Erased() {
		t.Error("Erased() = true without an erase timestamp")
	}
	now := time.Now()
	j.ErasedAt = &now
	if !j.Erased() {
		t.Error("Erased() = false after artifacts were erased")
	}
}

func TestJobHasCrossDependencies(t *testing.T) {
	j := Job{}
	if j.HasCrossDependencies() {
		t.Error("HasCrossDependencies() = true for an empty spec list")
	}
	j.Options.CrossDependencies = []CrossDependencySpec{{Pipeline: "1", Job: "build", Artifacts: true}}
	if !j.HasCrossDependencies() {
		t.Error("HasCrossDependencies() = false with specs present")
	}
}
