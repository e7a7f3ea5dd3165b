package reports

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/models"
	"bitbucket.org/ampergames/gamecash_backend/utils"
	"github.com/shopspring/decimal"
)

const maxRangeDays = 92

// VenueRangeDay is one resolved business day inside a range rollup.
type VenueRangeDay struct {
	Date             string          `json:"date"`
	TotalRevenue     decimal.Decimal `json:"totalRevenue"`
	TotalMoneyIn     decimal.Decimal `json:"totalMoneyIn"`
	TotalCollect     decimal.Decimal `json:"totalCollect"`
	TotalNetRevenue  decimal.Decimal `json:"totalNetRevenue"`
	MachineCount     int             `json:"machineCount"`
	TransactionCount int             `json:"transactionCount"`
	ReportCount      int             `json:"reportCount"`
}

// VenueRangeSummary composes per-day multi-relay resolution across a date
// range. Voucher totals roll up straight from events: vouchers are
// transactional, so they need no relay resolution.
type VenueRangeSummary struct {
	VenueId         string           `json:"venueId"`
	FromDate        string           `json:"fromDate"`
	ToDate          string           `json:"toDate"`
	Days            []*VenueRangeDay `json:"days"`
	TotalRevenue    decimal.Decimal  `json:"totalRevenue"`
	TotalMoneyIn    decimal.Decimal  `json:"totalMoneyIn"`
	TotalCollect    decimal.Decimal  `json:"totalCollect"`
	TotalNetRevenue decimal.Decimal  `json:"totalNetRevenue"`
	VoucherTotal    decimal.Decimal  `json:"voucherTotal"`
	ReportCount     int              `json:"reportCount"`
}

func GetVenueRangeSummary(ctx context.Context, venueId string, fromDate, toDate models.DateString) (*VenueRangeSummary, error) {
	started := time.Now()
	if venueId == "" {
		return nil, errors.New("venue id is required")
	}
	venue, err := models.GetVenue(ctx, venueId)
	if err != nil {
		return nil, errors.New("venue not found")
	}

	from := fromDate.Time()
	to := toDate.Time()
	fromKey := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	toKey := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	if toKey.Before(fromKey) {
		return nil, errors.New("toDate is before fromDate")
	}
	if toKey.Sub(fromKey) > maxRangeDays*24*time.Hour {
		return nil, errors.New("date range too large")
	}

	fromLabel := fromKey.Format("2006-01-02")
	toLabel := toKey.Format("2006-01-02")
	cacheKey := "VenueRangeSummary:" + venueId + ":" + fromLabel + ":" + toLabel
	if reportCacheEnabled() {
		var cached VenueRangeSummary
		if ok, err := cacheGet(cacheKey, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	todayKey, err := utils.DateKeyUTC(time.Now(), venue.Timezone)
	if err != nil {
		return nil, err
	}

	summary := &VenueRangeSummary{
		VenueId:  venueId,
		FromDate: fromLabel,
		ToDate:   toLabel,
	}

	for dayKey := fromKey; !dayKey.After(toKey); dayKey = dayKey.AddDate(0, 0, 1) {
		dayReports, err := models.GetReportsForDay(ctx, venueId, dayKey)
		if err != nil {
			return nil, err
		}
		if len(dayReports) == 0 {
			continue
		}
		picked := models.PickAuthoritativeReports(dayReports, dayKey.Equal(todayKey))
		resolved, err := models.SumResolvedReports(picked)
		if err != nil {
			return nil, err
		}

		summary.Days = append(summary.Days, &VenueRangeDay{
			Date:             dayKey.Format("2006-01-02"),
			TotalRevenue:     resolved.TotalRevenue,
			TotalMoneyIn:     resolved.TotalMoneyIn,
			TotalCollect:     resolved.TotalCollect,
			TotalNetRevenue:  resolved.TotalNetRevenue,
			MachineCount:     resolved.MachineCount,
			TransactionCount: resolved.TransactionCount,
			ReportCount:      len(picked),
		})
		summary.TotalRevenue = summary.TotalRevenue.Add(resolved.TotalRevenue)
		summary.TotalMoneyIn = summary.TotalMoneyIn.Add(resolved.TotalMoneyIn)
		summary.TotalCollect = summary.TotalCollect.Add(resolved.TotalCollect)
		summary.TotalNetRevenue = summary.TotalNetRevenue.Add(resolved.TotalNetRevenue)
		summary.ReportCount += len(picked)
	}

	voucherFrom := fromDate
	if err := voucherFrom.StartOfDayUTCTime(venue.Timezone); err != nil {
		return nil, err
	}
	voucherTo := toDate
	if err := voucherTo.EndOfDayUTCTime(venue.Timezone); err != nil {
		return nil, err
	}
	voucherTotal, err := models.GetVoucherTotalForRange(ctx, venueId, voucherFrom.Time(), voucherTo.Time())
	if err != nil {
		return nil, err
	}
	summary.VoucherTotal = voucherTotal

	if reportCacheEnabled() {
		_ = cacheSet(cacheKey, summary, reportCacheTTL())
	}
	logSlowReport(ctx, "VenueRangeSummary", started, map[string]any{"venue_id": venueId, "from": fromLabel, "to": toLabel, "days": len(summary.Days)})
	return summary, nil
}
