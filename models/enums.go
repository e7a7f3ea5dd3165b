package models

// ReconciliationStatus is the settlement lifecycle of a DailyReport.
// PENDING is the only non-terminal state for ordinary operation; reverting a
// settled report back to PENDING is an audited operator override.
type ReconciliationStatus string

const (
	ReconciliationStatusPending   ReconciliationStatus = "PENDING"
	ReconciliationStatusIncluded  ReconciliationStatus = "INCLUDED"
	ReconciliationStatusExcluded  ReconciliationStatus = "EXCLUDED"
	ReconciliationStatusDuplicate ReconciliationStatus = "DUPLICATE"
)

var reconciliationStatusByName = map[string]ReconciliationStatus{
	"PENDING":   ReconciliationStatusPending,
	"INCLUDED":  ReconciliationStatusIncluded,
	"EXCLUDED":  ReconciliationStatusExcluded,
	"DUPLICATE": ReconciliationStatusDuplicate,
}

func ParseReconciliationStatus(raw string) (ReconciliationStatus, bool) {
	status, ok := reconciliationStatusByName[raw]
	return status, ok
}

// IsTerminal reports whether ordinary transitions out of the status exist.
func (s ReconciliationStatus) IsTerminal() bool {
	return s == ReconciliationStatusIncluded ||
		s == ReconciliationStatusExcluded ||
		s == ReconciliationStatusDuplicate
}

// CountsTowardRevenue reports whether the resolver may use a report with
// this status for venue revenue rollups.
func (s ReconciliationStatus) CountsTowardRevenue() bool {
	return s == ReconciliationStatusPending || s == ReconciliationStatusIncluded
}

// Anomaly reason codes carried in a report's anomaly_reasons column. Codes
// are stable identifiers for operators and downstream settlement tooling.
const (
	AnomalyUnknownEventKind    = "UNKNOWN_EVENT_KIND"
	AnomalyZeroRevenueActive   = "ZERO_REVENUE_WITH_ACTIVE_MACHINES"
	AnomalyRevenueMismatch     = "REVENUE_TOTALS_MISMATCH"
	AnomalyMissingMachineRows  = "MACHINE_COUNT_WITHOUT_ROWS"
	AnomalyNegativeMachineData = "NEGATIVE_MACHINE_VALUES"
)
