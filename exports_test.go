package main

import "testing"

func TestValidSettlementKey_KeepsCallersInTheirPrefix(t *testing.T) {
	cases := []struct {
		venueId string
		key     string
		valid   bool
	}{
		{"venue-1", "settlements/venue-1/revenue_2026-03-15.xlsx", true},
		{"venue-1", "settlements/venue-2/revenue_2026-03-15.xlsx", false},
		{"venue-1", "settlements/venue-1/../venue-2/revenue.xlsx", false},
		{"venue-1", "/settlements/venue-1/revenue.xlsx", false},
		{"venue-1", "revenue.xlsx", false},
		{"venue-1", "", false},
	}
	for _, tc := range cases {
		if got := validSettlementKey(tc.venueId, tc.key); got != tc.valid {
			t.Fatalf("validSettlementKey(%q, %q) expected %v, got %v", tc.venueId, tc.key, tc.valid, got)
		}
	}
}

func TestSplitAndTrim(t *testing.T) {
	cases := []struct {
		in       string
		expected []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b ", []string{"a", "b"}},
		{"a,,b", []string{"a", "b"}},
		{"   ", nil},
		{"", nil},
	}
	for _, tc := range cases {
		got := splitAndTrim(tc.in)
		if len(got) != len(tc.expected) {
			t.Fatalf("splitAndTrim(%q) expected %v, got %v", tc.in, tc.expected, got)
		}
		for i := range got {
			if got[i] != tc.expected[i] {
				t.Fatalf("splitAndTrim(%q) expected %v, got %v", tc.in, tc.expected, got)
			}
		}
	}
}
