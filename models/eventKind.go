package models

import "strings"

// EventKind is the closed set of telemetry kinds the relay fleet emits.
// Classification (cumulative vs transactional) is static metadata on the
// kind, never inferred from data: cumulative kinds carry a hardware counter
// snapshot that only grows until a physical clear resets it; transactional
// kinds carry a one-shot amount.
type EventKind string

const (
	EventKindMoneyIn      EventKind = "MONEY_IN"
	EventKindMoneyOut     EventKind = "MONEY_OUT"
	EventKindCollect      EventKind = "COLLECT"
	EventKindVoucherPrint EventKind = "VOUCHER_PRINT"
	EventKindPayout       EventKind = "PAYOUT"
	EventKindSessionStart EventKind = "SESSION_START"
	EventKindSessionEnd   EventKind = "SESSION_END"
	EventKindDailySummary EventKind = "DAILY_SUMMARY"
	// EventKindUnknown absorbs wire kinds this build does not recognize.
	// Such events are stored (raw_kind preserves the wire string), carry
	// zero financial weight, and feed the anomaly flags instead of being
	// rejected, so ingestion never blocks on new firmware.
	EventKindUnknown EventKind = "UNKNOWN"
)

type EventClass string

const (
	EventClassCumulative    EventClass = "CUMULATIVE"
	EventClassTransactional EventClass = "TRANSACTIONAL"
)

var eventKindsByWireName = map[string]EventKind{
	"money_in":      EventKindMoneyIn,
	"money_out":     EventKindMoneyOut,
	"collect":       EventKindCollect,
	"voucher_print": EventKindVoucherPrint,
	"payout":        EventKindPayout,
	"session_start": EventKindSessionStart,
	"session_end":   EventKindSessionEnd,
	"daily_summary": EventKindDailySummary,
}

// ParseEventKind maps a relay wire name to its kind. The second return is
// false when the wire name is unrecognized; the caller stores the event as
// UNKNOWN rather than rejecting.
func ParseEventKind(raw string) (EventKind, bool) {
	kind, ok := eventKindsByWireName[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return EventKindUnknown, false
	}
	return kind, true
}

func (k EventKind) Classification() EventClass {
	switch k {
	case EventKindMoneyIn, EventKindMoneyOut, EventKindCollect:
		return EventClassCumulative
	default:
		return EventClassTransactional
	}
}

// IsFinancial reports whether the kind's amount participates in money math.
// Session markers, summary markers and unknown kinds are stored but weightless.
func (k EventKind) IsFinancial() bool {
	switch k {
	case EventKindMoneyIn, EventKindMoneyOut, EventKindCollect,
		EventKindVoucherPrint, EventKindPayout:
		return true
	default:
		return false
	}
}

func (k EventKind) IsCumulative() bool {
	return k.Classification() == EventClassCumulative
}

func (k EventKind) IsTransactional() bool {
	return k.Classification() == EventClassTransactional
}
