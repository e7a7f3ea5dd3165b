package models

import "testing"

func TestTransitionAction_NamesTheJudgement(t *testing.T) {
	cases := []struct {
		to       ReconciliationStatus
		expected string
	}{
		{ReconciliationStatusIncluded, "INCLUDE"},
		{ReconciliationStatusExcluded, "EXCLUDE"},
		{ReconciliationStatusDuplicate, "DUPLICATE"},
		{ReconciliationStatusPending, "REVERT"},
		{ReconciliationStatus("LEGACY"), "UPDATE"},
	}
	for _, tc := range cases {
		if got := transitionAction(tc.to); got != tc.expected {
			t.Fatalf("transitionAction(%s) expected %s, got %s", tc.to, tc.expected, got)
		}
	}
}
