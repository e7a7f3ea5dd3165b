package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func resolutionReport(id uint, relayId string, printedAt time.Time, status ReconciliationStatus) *DailyReport {
	return &DailyReport{
		ID:                   id,
		VenueId:              "venue-1",
		RelayId:              relayId,
		PrintedAt:            printedAt,
		ReconciliationStatus: status,
	}
}

func resolutionRow(machineId int, moneyIn, collect, netRevenue string, txns int) MachineRow {
	return MachineRow{
		MachineId:        machineId,
		MoneyIn:          decimal.RequireFromString(moneyIn),
		Collect:          decimal.RequireFromString(collect),
		NetRevenue:       decimal.RequireFromString(netRevenue),
		TransactionCount: txns,
	}
}

func TestPickAuthoritativeReports_LatestPrintWinsPerRelay(t *testing.T) {
	base := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	picked := PickAuthoritativeReports([]*DailyReport{
		resolutionReport(1, "relay-a", base, ReconciliationStatusPending),
		resolutionReport(2, "relay-a", base.Add(4*time.Hour), ReconciliationStatusPending),
		resolutionReport(3, "relay-b", base.Add(2*time.Hour), ReconciliationStatusPending),
	}, true)
	if len(picked) != 2 {
		t.Fatalf("expected 2 authoritative reports, got %d", len(picked))
	}
	if picked[0].ID != 2 || picked[1].ID != 3 {
		t.Fatalf("expected reports [2 3], got [%d %d]", picked[0].ID, picked[1].ID)
	}
}

func TestPickAuthoritativeReports_ExcludedAndDuplicateInvisible(t *testing.T) {
	base := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	picked := PickAuthoritativeReports([]*DailyReport{
		resolutionReport(1, "relay-a", base, ReconciliationStatusPending),
		resolutionReport(2, "relay-a", base.Add(4*time.Hour), ReconciliationStatusExcluded),
		resolutionReport(3, "relay-a", base.Add(5*time.Hour), ReconciliationStatusDuplicate),
	}, true)
	if len(picked) != 1 {
		t.Fatalf("expected 1 report, got %d", len(picked))
	}
	if picked[0].ID != 1 {
		t.Fatalf("expected the pending report 1, got %d", picked[0].ID)
	}
}

func TestPickAuthoritativeReports_LegacyClosedDayPrefersFullestSnapshot(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	early := resolutionReport(1, "", base, ReconciliationStatusPending)
	early.MachineCount = 6
	late := resolutionReport(2, "", base.Add(5*time.Hour), ReconciliationStatusPending)
	late.MachineCount = 4

	picked := PickAuthoritativeReports([]*DailyReport{early, late}, false)
	if len(picked) != 1 {
		t.Fatalf("expected 1 report, got %d", len(picked))
	}
	if picked[0].ID != 1 {
		t.Fatalf("expected the 6-machine snapshot (report 1), got %d", picked[0].ID)
	}
}

func TestPickAuthoritativeReports_LegacyClosedDayMachineTieUsesNewestPrint(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	early := resolutionReport(1, "", base, ReconciliationStatusPending)
	early.MachineCount = 5
	late := resolutionReport(2, "", base.Add(time.Hour), ReconciliationStatusPending)
	late.MachineCount = 5

	picked := PickAuthoritativeReports([]*DailyReport{early, late}, false)
	if len(picked) != 1 {
		t.Fatalf("expected 1 report, got %d", len(picked))
	}
	if picked[0].ID != 2 {
		t.Fatalf("expected the newer print (report 2), got %d", picked[0].ID)
	}
}

func TestPickAuthoritativeReports_LegacyCurrentDayPrefersLatestPrint(t *testing.T) {
	base := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	early := resolutionReport(1, "", base, ReconciliationStatusPending)
	early.MachineCount = 6
	late := resolutionReport(2, "", base.Add(5*time.Hour), ReconciliationStatusPending)
	late.MachineCount = 4

	picked := PickAuthoritativeReports([]*DailyReport{early, late}, true)
	if len(picked) != 1 {
		t.Fatalf("expected 1 report, got %d", len(picked))
	}
	if picked[0].ID != 2 {
		t.Fatalf("expected the latest print while the day is running (report 2), got %d", picked[0].ID)
	}
}

func TestPickAuthoritativeReports_PrintTimeTieBreaksOnId(t *testing.T) {
	printedAt := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	picked := PickAuthoritativeReports([]*DailyReport{
		resolutionReport(5, "relay-a", printedAt, ReconciliationStatusPending),
		resolutionReport(9, "relay-a", printedAt, ReconciliationStatusPending),
	}, true)
	if len(picked) != 1 {
		t.Fatalf("expected 1 report, got %d", len(picked))
	}
	if picked[0].ID != 9 {
		t.Fatalf("expected the later insert (report 9) on a print-time tie, got %d", picked[0].ID)
	}
}

func TestSumResolvedReports_MergesMachinesAcrossRelays(t *testing.T) {
	relayA := resolutionReport(1, "relay-a", time.Now(), ReconciliationStatusIncluded)
	relayA.TransactionCount = 12
	if err := relayA.SetMachineRows([]MachineRow{
		resolutionRow(1, "500", "100", "400", 8),
		resolutionRow(2, "300", "0", "300", 4),
	}); err != nil {
		t.Fatalf("SetMachineRows: %v", err)
	}
	relayB := resolutionReport(2, "relay-b", time.Now(), ReconciliationStatusIncluded)
	relayB.TransactionCount = 6
	if err := relayB.SetMachineRows([]MachineRow{
		resolutionRow(1, "300", "50", "250", 6),
	}); err != nil {
		t.Fatalf("SetMachineRows: %v", err)
	}

	resolved, err := SumResolvedReports([]*DailyReport{relayA, relayB})
	if err != nil {
		t.Fatalf("SumResolvedReports error: %v", err)
	}
	if resolved.MachineCount != 2 {
		t.Fatalf("expected 2 machines, got %d", resolved.MachineCount)
	}
	if resolved.Machines[0].MoneyIn.String() != "800" {
		t.Fatalf("expected machine 1 moneyIn 500+300=800, got %s", resolved.Machines[0].MoneyIn.String())
	}
	if resolved.TotalMoneyIn.String() != "1100" {
		t.Fatalf("expected total moneyIn 1100, got %s", resolved.TotalMoneyIn.String())
	}
	if resolved.TotalCollect.String() != "150" {
		t.Fatalf("expected total collect 150, got %s", resolved.TotalCollect.String())
	}
	if resolved.TotalRevenue.String() != "950" {
		t.Fatalf("expected total revenue 950, got %s", resolved.TotalRevenue.String())
	}
	if resolved.TotalNetRevenue.String() != "950" {
		t.Fatalf("expected total netRevenue 950, got %s", resolved.TotalNetRevenue.String())
	}
	if resolved.TransactionCount != 18 {
		t.Fatalf("expected 18 transactions, got %d", resolved.TransactionCount)
	}
}

func TestSumResolvedReports_SkipsGrandTotalRow(t *testing.T) {
	report := resolutionReport(1, "relay-a", time.Now(), ReconciliationStatusPending)
	report.TransactionCount = 10
	if err := report.SetMachineRows([]MachineRow{
		resolutionRow(0, "900", "200", "700", 10),
		resolutionRow(1, "400", "100", "300", 4),
		resolutionRow(2, "500", "100", "400", 6),
	}); err != nil {
		t.Fatalf("SetMachineRows: %v", err)
	}

	resolved, err := SumResolvedReports([]*DailyReport{report})
	if err != nil {
		t.Fatalf("SumResolvedReports error: %v", err)
	}
	if len(resolved.Machines) != 2 {
		t.Fatalf("expected 2 machine rows, got %d", len(resolved.Machines))
	}
	for _, machine := range resolved.Machines {
		if machine.MachineId == 0 {
			t.Fatal("grand-total row leaked into the resolved machine list")
		}
	}
	if resolved.TotalMoneyIn.String() != "900" {
		t.Fatalf("expected total moneyIn 900 (without the grand-total row), got %s", resolved.TotalMoneyIn.String())
	}
	if resolved.TotalRevenue.String() != "700" {
		t.Fatalf("expected total revenue 700, got %s", resolved.TotalRevenue.String())
	}
	if resolved.MachineCount != 2 {
		t.Fatalf("expected machineCount 2, got %d", resolved.MachineCount)
	}
}

func TestSumResolvedReports_HeaderTotalsWhenRowsMissing(t *testing.T) {
	// Old relay firmware prints only header totals; that revenue still counts.
	legacy := resolutionReport(1, "relay-a", time.Now(), ReconciliationStatusIncluded)
	legacy.TotalMoneyIn = decimal.RequireFromString("5000")
	legacy.TotalCollect = decimal.RequireFromString("1200")
	legacy.MachineCount = 8
	legacy.TransactionCount = 40

	resolved, err := SumResolvedReports([]*DailyReport{legacy})
	if err != nil {
		t.Fatalf("SumResolvedReports error: %v", err)
	}
	if len(resolved.Machines) != 0 {
		t.Fatalf("expected no machine rows, got %d", len(resolved.Machines))
	}
	if resolved.TotalMoneyIn.String() != "5000" {
		t.Fatalf("expected header moneyIn 5000, got %s", resolved.TotalMoneyIn.String())
	}
	if resolved.TotalRevenue.String() != "3800" {
		t.Fatalf("expected revenue 3800, got %s", resolved.TotalRevenue.String())
	}
	if resolved.MachineCount != 8 {
		t.Fatalf("expected header machineCount 8, got %d", resolved.MachineCount)
	}
	if resolved.TransactionCount != 40 {
		t.Fatalf("expected 40 transactions, got %d", resolved.TransactionCount)
	}
}
