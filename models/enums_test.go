package models

import "testing"

func TestParseReconciliationStatus(t *testing.T) {
	cases := []struct {
		in       string
		expected ReconciliationStatus
		ok       bool
	}{
		{"PENDING", ReconciliationStatusPending, true},
		{"INCLUDED", ReconciliationStatusIncluded, true},
		{"EXCLUDED", ReconciliationStatusExcluded, true},
		{"DUPLICATE", ReconciliationStatusDuplicate, true},
		{"included", "", false},
		{"SETTLED", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		status, ok := ParseReconciliationStatus(tc.in)
		if ok != tc.ok {
			t.Fatalf("ParseReconciliationStatus(%q) expected ok=%v, got %v", tc.in, tc.ok, ok)
		}
		if ok && status != tc.expected {
			t.Fatalf("ParseReconciliationStatus(%q) expected %s, got %s", tc.in, tc.expected, status)
		}
	}
}

func TestReconciliationStatus_Terminality(t *testing.T) {
	if ReconciliationStatusPending.IsTerminal() {
		t.Fatal("PENDING must stay open for reconciliation")
	}
	for _, status := range []ReconciliationStatus{
		ReconciliationStatusIncluded,
		ReconciliationStatusExcluded,
		ReconciliationStatusDuplicate,
	} {
		if !status.IsTerminal() {
			t.Fatalf("expected %s to be terminal", status)
		}
	}
}

func TestReconciliationStatus_CountsTowardRevenue(t *testing.T) {
	cases := []struct {
		status ReconciliationStatus
		counts bool
	}{
		{ReconciliationStatusPending, true},
		{ReconciliationStatusIncluded, true},
		{ReconciliationStatusExcluded, false},
		{ReconciliationStatusDuplicate, false},
	}
	for _, tc := range cases {
		if got := tc.status.CountsTowardRevenue(); got != tc.counts {
			t.Fatalf("%s.CountsTowardRevenue() expected %v, got %v", tc.status, tc.counts, got)
		}
	}
}
