package models

import (
	"sort"

	"github.com/shopspring/decimal"
)

// MachineActivity is the folded telemetry of one machine over one window.
type MachineActivity struct {
	MachineId        int             `json:"machineId"`
	MoneyIn          decimal.Decimal `json:"moneyIn"`
	MoneyOut         decimal.Decimal `json:"moneyOut"`
	Collect          decimal.Decimal `json:"collect"`
	Payout           decimal.Decimal `json:"payout"`
	Voucher          decimal.Decimal `json:"voucher"`
	NetRevenue       decimal.Decimal `json:"netRevenue"`
	TransactionCount int             `json:"transactionCount"`
}

// DayActivity is the venue rollup of machine folds. Machine 0 (the relay's
// synthetic grand-total row) stays in Machines for audit but contributes
// nothing to the venue totals or the machine count.
type DayActivity struct {
	Machines         []*MachineActivity `json:"machines"`
	TotalMoneyIn     decimal.Decimal    `json:"totalMoneyIn"`
	TotalMoneyOut    decimal.Decimal    `json:"totalMoneyOut"`
	TotalCollect     decimal.Decimal    `json:"totalCollect"`
	TotalPayout      decimal.Decimal    `json:"totalPayout"`
	TotalVoucher     decimal.Decimal    `json:"totalVoucher"`
	TotalNetRevenue  decimal.Decimal    `json:"totalNetRevenue"`
	MachineCount     int                `json:"machineCount"`
	TransactionCount int                `json:"transactionCount"`
	UnknownKindCount int                `json:"unknownKindCount"`
}

// FoldTelemetryEvents reduces raw events into per-machine activity.
//
// Cumulative kinds are lifetime counter readings: within a window the
// largest observed value wins, because summing counter resends would
// double-count every relay retry. Transactional kinds are discrete deltas
// and sum. Unknown kinds fold with zero financial weight but still count as
// observed transactions so the report surfaces them instead of hiding them.
func FoldTelemetryEvents(events []*TelemetryEvent) *DayActivity {
	byMachine := make(map[int]*MachineActivity)
	unknown := 0

	for _, event := range events {
		machine, ok := byMachine[event.MachineId]
		if !ok {
			machine = &MachineActivity{MachineId: event.MachineId}
			byMachine[event.MachineId] = machine
		}
		machine.TransactionCount++

		switch event.Kind {
		case EventKindMoneyIn:
			machine.MoneyIn = decimal.Max(machine.MoneyIn, event.Amount)
		case EventKindMoneyOut:
			machine.MoneyOut = decimal.Max(machine.MoneyOut, event.Amount)
		case EventKindCollect:
			machine.Collect = decimal.Max(machine.Collect, event.Amount)
		case EventKindPayout:
			machine.Payout = machine.Payout.Add(event.Amount)
		case EventKindVoucherPrint:
			machine.Voucher = machine.Voucher.Add(event.Amount)
		case EventKindSessionStart, EventKindSessionEnd, EventKindDailySummary:
			// session markers and summary headers carry no amount of their own
		default:
			unknown++
		}
	}

	machineIds := make([]int, 0, len(byMachine))
	for machineId := range byMachine {
		machineIds = append(machineIds, machineId)
	}
	sort.Ints(machineIds)

	activity := &DayActivity{
		Machines:         make([]*MachineActivity, 0, len(machineIds)),
		UnknownKindCount: unknown,
	}
	for _, machineId := range machineIds {
		machine := byMachine[machineId]
		machine.NetRevenue = machine.MoneyIn.
			Sub(machine.MoneyOut).
			Sub(machine.Collect).
			Sub(machine.Payout).
			Sub(machine.Voucher)
		activity.Machines = append(activity.Machines, machine)
		activity.TransactionCount += machine.TransactionCount

		if machineId == 0 {
			continue
		}
		activity.TotalMoneyIn = activity.TotalMoneyIn.Add(machine.MoneyIn)
		activity.TotalMoneyOut = activity.TotalMoneyOut.Add(machine.MoneyOut)
		activity.TotalCollect = activity.TotalCollect.Add(machine.Collect)
		activity.TotalPayout = activity.TotalPayout.Add(machine.Payout)
		activity.TotalVoucher = activity.TotalVoucher.Add(machine.Voucher)
		activity.TotalNetRevenue = activity.TotalNetRevenue.Add(machine.NetRevenue)
		activity.MachineCount++
	}

	return activity
}

// MachineRows converts the fold into report machine_data rows.
func (a *DayActivity) MachineRows() []MachineRow {
	rows := make([]MachineRow, 0, len(a.Machines))
	for _, machine := range a.Machines {
		rows = append(rows, MachineRow{
			MachineId:        machine.MachineId,
			MoneyIn:          machine.MoneyIn,
			Collect:          machine.Collect,
			NetRevenue:       machine.NetRevenue,
			TransactionCount: machine.TransactionCount,
		})
	}
	return rows
}
