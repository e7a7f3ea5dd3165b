package models

import (
	"sort"

	"github.com/shopspring/decimal"
)

// ResolvedDayRevenue is a venue's authoritative revenue for one business
// day after multi-relay resolution.
type ResolvedDayRevenue struct {
	Reports          []*DailyReport  `json:"reports"`
	Machines         []MachineRow    `json:"machines"`
	TotalRevenue     decimal.Decimal `json:"totalRevenue"`
	TotalMoneyIn     decimal.Decimal `json:"totalMoneyIn"`
	TotalCollect     decimal.Decimal `json:"totalCollect"`
	TotalNetRevenue  decimal.Decimal `json:"totalNetRevenue"`
	MachineCount     int             `json:"machineCount"`
	TransactionCount int             `json:"transactionCount"`
}

// PickAuthoritativeReports reduces one day's reports to at most one per
// relay. Relay-attributed groups keep the latest print (a relay resends the
// whole report after every cash collection, superseding earlier prints).
// Legacy relay-less reports use a day-dependent heuristic: while the day is
// still running the newest print wins (counters still accumulating); for a
// closed day the snapshot with the most machines is the most complete one.
// EXCLUDED and DUPLICATE reports are invisible here.
func PickAuthoritativeReports(reports []*DailyReport, isCurrentDay bool) []*DailyReport {
	byRelay := make(map[string]*DailyReport)
	for _, report := range reports {
		if !report.ReconciliationStatus.CountsTowardRevenue() {
			continue
		}
		current, ok := byRelay[report.RelayId]
		if !ok {
			byRelay[report.RelayId] = report
			continue
		}
		if report.RelayId == "" && !isCurrentDay {
			// closed-day legacy: largest machine count, newest print on ties
			if report.MachineCount > current.MachineCount ||
				(report.MachineCount == current.MachineCount && printedAfter(report, current)) {
				byRelay[report.RelayId] = report
			}
			continue
		}
		if printedAfter(report, current) {
			byRelay[report.RelayId] = report
		}
	}

	relayIds := make([]string, 0, len(byRelay))
	for relayId := range byRelay {
		relayIds = append(relayIds, relayId)
	}
	sort.Strings(relayIds)

	picked := make([]*DailyReport, 0, len(relayIds))
	for _, relayId := range relayIds {
		picked = append(picked, byRelay[relayId])
	}
	return picked
}

func printedAfter(a, b *DailyReport) bool {
	if a.PrintedAt.Equal(b.PrintedAt) {
		return a.ID > b.ID
	}
	return a.PrintedAt.After(b.PrintedAt)
}

// SumResolvedReports rolls authoritative reports up to venue-day totals.
// Per-machine rows merge across relays with the grand-total row excluded; a
// report without rows (old firmware) contributes its header totals instead
// so its revenue is not silently dropped.
func SumResolvedReports(picked []*DailyReport) (*ResolvedDayRevenue, error) {
	resolved := &ResolvedDayRevenue{Reports: picked}
	byMachine := make(map[int]*MachineRow)

	for _, report := range picked {
		rows, err := report.MachineRows()
		if err != nil {
			return nil, err
		}
		resolved.TransactionCount += report.TransactionCount

		if len(rows) == 0 {
			resolved.TotalMoneyIn = resolved.TotalMoneyIn.Add(report.TotalMoneyIn)
			resolved.TotalCollect = resolved.TotalCollect.Add(report.TotalCollect)
			resolved.MachineCount += report.MachineCount
			continue
		}
		for _, row := range rows {
			if row.MachineId == 0 {
				continue
			}
			merged, ok := byMachine[row.MachineId]
			if !ok {
				copied := row
				byMachine[row.MachineId] = &copied
				continue
			}
			merged.MoneyIn = merged.MoneyIn.Add(row.MoneyIn)
			merged.Collect = merged.Collect.Add(row.Collect)
			merged.NetRevenue = merged.NetRevenue.Add(row.NetRevenue)
			merged.TransactionCount += row.TransactionCount
		}
	}

	machineIds := make([]int, 0, len(byMachine))
	for machineId := range byMachine {
		machineIds = append(machineIds, machineId)
	}
	sort.Ints(machineIds)

	for _, machineId := range machineIds {
		row := byMachine[machineId]
		resolved.Machines = append(resolved.Machines, *row)
		resolved.TotalMoneyIn = resolved.TotalMoneyIn.Add(row.MoneyIn)
		resolved.TotalCollect = resolved.TotalCollect.Add(row.Collect)
		resolved.TotalNetRevenue = resolved.TotalNetRevenue.Add(row.NetRevenue)
		resolved.MachineCount++
	}

	resolved.TotalRevenue = resolved.TotalMoneyIn.Sub(resolved.TotalCollect)
	return resolved, nil
}
