package workflow

import (
	"testing"

	"bitbucket.org/ampergames/gamecash_backend/models"
	"github.com/shopspring/decimal"
)

func cleanReport(t *testing.T) *models.DailyReport {
	t.Helper()
	report := &models.DailyReport{
		TotalRevenue: decimal.RequireFromString("400"),
		TotalMoneyIn: decimal.RequireFromString("500"),
		TotalCollect: decimal.RequireFromString("100"),
		MachineCount: 1,
	}
	if err := report.SetMachineRows([]models.MachineRow{machineRow(1, "500", "100", "400", 3)}); err != nil {
		t.Fatalf("SetMachineRows: %v", err)
	}
	return report
}

func TestDetectAnomalies_CleanReportHasNoFindings(t *testing.T) {
	if reasons := DetectAnomalies(cleanReport(t)); len(reasons) != 0 {
		t.Fatalf("expected a clean report, got %v", reasons)
	}
	if reasons := DetectAnomalies(nil); reasons != nil {
		t.Fatalf("expected nil findings for a nil report, got %v", reasons)
	}
}

func TestDetectAnomalies_ZeroRevenueWithActiveMachines(t *testing.T) {
	report := &models.DailyReport{MachineCount: 3}
	if err := report.SetMachineRows([]models.MachineRow{
		machineRow(1, "0", "0", "0", 2),
		machineRow(2, "0", "0", "0", 1),
		machineRow(3, "0", "0", "0", 1),
	}); err != nil {
		t.Fatalf("SetMachineRows: %v", err)
	}
	reasons := DetectAnomalies(report)
	if len(reasons) != 1 || reasons[0] != models.AnomalyZeroRevenueActive {
		t.Fatalf("expected only %s, got %v", models.AnomalyZeroRevenueActive, reasons)
	}
}

func TestDetectAnomalies_RevenueIdentityMismatch(t *testing.T) {
	report := cleanReport(t)
	report.TotalRevenue = decimal.RequireFromString("350")
	reasons := DetectAnomalies(report)
	if len(reasons) != 1 || reasons[0] != models.AnomalyRevenueMismatch {
		t.Fatalf("expected only %s, got %v", models.AnomalyRevenueMismatch, reasons)
	}
}

func TestDetectAnomalies_ToleranceAbsorbsRoundingGap(t *testing.T) {
	report := cleanReport(t)
	report.TotalRevenue = decimal.RequireFromString("400.01")
	if reasons := DetectAnomalies(report); len(reasons) != 0 {
		t.Fatalf("a gap inside the tolerance should not flag, got %v", reasons)
	}
}

func TestDetectAnomalies_MachineCountWithoutRows(t *testing.T) {
	report := &models.DailyReport{
		TotalRevenue: decimal.RequireFromString("400"),
		TotalMoneyIn: decimal.RequireFromString("500"),
		TotalCollect: decimal.RequireFromString("100"),
		MachineCount: 5,
	}
	reasons := DetectAnomalies(report)
	if len(reasons) != 1 || reasons[0] != models.AnomalyMissingMachineRows {
		t.Fatalf("expected only %s, got %v", models.AnomalyMissingMachineRows, reasons)
	}
}

func TestDetectAnomalies_NegativeMachineValuesFlagOnce(t *testing.T) {
	report := &models.DailyReport{
		TotalRevenue: decimal.RequireFromString("400"),
		TotalMoneyIn: decimal.RequireFromString("500"),
		TotalCollect: decimal.RequireFromString("100"),
		MachineCount: 2,
	}
	if err := report.SetMachineRows([]models.MachineRow{
		machineRow(1, "-10", "0", "-10", 1),
		machineRow(2, "0", "-40", "40", 1),
	}); err != nil {
		t.Fatalf("SetMachineRows: %v", err)
	}
	reasons := DetectAnomalies(report)
	if len(reasons) != 1 || reasons[0] != models.AnomalyNegativeMachineData {
		t.Fatalf("expected a single %s finding, got %v", models.AnomalyNegativeMachineData, reasons)
	}
}

func TestDetectAnomalies_StoredUnknownKindFindingSurvives(t *testing.T) {
	// The materializer saw the unknown kinds; a later sweep cannot re-derive
	// them from the report alone, so the stored finding rides through. Stored
	// structural findings do not: they recompute from live state.
	report := cleanReport(t)
	if err := report.SetAnomalyReasons([]string{
		models.AnomalyUnknownEventKind,
		models.AnomalyZeroRevenueActive,
	}); err != nil {
		t.Fatalf("SetAnomalyReasons: %v", err)
	}
	reasons := DetectAnomalies(report)
	if len(reasons) != 1 || reasons[0] != models.AnomalyUnknownEventKind {
		t.Fatalf("expected only the stored %s, got %v", models.AnomalyUnknownEventKind, reasons)
	}
}

func TestSameReasons_ComparesAsMultiset(t *testing.T) {
	cases := []struct {
		a, b     []string
		expected bool
	}{
		{nil, nil, true},
		{[]string{"A"}, []string{"A"}, true},
		{[]string{"A", "B"}, []string{"B", "A"}, true},
		{[]string{"A"}, []string{"B"}, false},
		{[]string{"A", "A"}, []string{"A", "B"}, false},
		{[]string{"A"}, []string{"A", "A"}, false},
	}
	for _, tc := range cases {
		if got := sameReasons(tc.a, tc.b); got != tc.expected {
			t.Fatalf("sameReasons(%v, %v) expected %v, got %v", tc.a, tc.b, got, tc.expected)
		}
	}
}
