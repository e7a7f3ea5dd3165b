package reports

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/models"
	"bitbucket.org/ampergames/gamecash_backend/utils"
	"github.com/xuri/excelize/v2"
)

type SettlementExportResult struct {
	ObjectKey   string `json:"objectKey"`
	DownloadURL string `json:"downloadUrl"`
	DayCount    int    `json:"dayCount"`
	ReportCount int    `json:"reportCount"`
}

// ExportSettlementWorkbook renders a venue's resolved range as an XLSX
// workbook, archives it to object storage, and returns the download handle.
// Sheet1 carries resolved day totals, the Reports sheet the underlying
// report listing with reconciliation state for the settlement audit.
func ExportSettlementWorkbook(ctx context.Context, venueId string, fromDate, toDate models.DateString) (*SettlementExportResult, error) {
	started := time.Now()

	summary, err := GetVenueRangeSummary(ctx, venueId, fromDate, toDate)
	if err != nil {
		return nil, err
	}

	from := fromDate.Time()
	to := toDate.Time()
	fromKey := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	toKey := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	reports, err := models.ListDailyReports(ctx, venueId, models.ReportListFilter{
		From:  &fromKey,
		To:    &toKey,
		Limit: 500,
	})
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	_, err = f.NewSheet("Sheet1")
	if err != nil {
		return nil, err
	}

	// Add headers
	f.SetCellValue("Sheet1", "A1", "Date")
	f.SetCellValue("Sheet1", "B1", "Revenue")
	f.SetCellValue("Sheet1", "C1", "MoneyIn")
	f.SetCellValue("Sheet1", "D1", "Collect")
	f.SetCellValue("Sheet1", "E1", "NetRevenue")
	f.SetCellValue("Sheet1", "F1", "Machines")
	f.SetCellValue("Sheet1", "G1", "Transactions")
	f.SetCellValue("Sheet1", "H1", "Reports")

	// Add data
	for i, d := range summary.Days {
		f.SetCellValue("Sheet1", "A"+fmt.Sprint(i+2), d.Date)
		f.SetCellValue("Sheet1", "B"+fmt.Sprint(i+2), d.TotalRevenue.String())
		f.SetCellValue("Sheet1", "C"+fmt.Sprint(i+2), d.TotalMoneyIn.String())
		f.SetCellValue("Sheet1", "D"+fmt.Sprint(i+2), d.TotalCollect.String())
		f.SetCellValue("Sheet1", "E"+fmt.Sprint(i+2), d.TotalNetRevenue.String())
		f.SetCellValue("Sheet1", "F"+fmt.Sprint(i+2), d.MachineCount)
		f.SetCellValue("Sheet1", "G"+fmt.Sprint(i+2), d.TransactionCount)
		f.SetCellValue("Sheet1", "H"+fmt.Sprint(i+2), d.ReportCount)
	}
	totalRow := len(summary.Days) + 3
	f.SetCellValue("Sheet1", "A"+fmt.Sprint(totalRow), "TOTAL")
	f.SetCellValue("Sheet1", "B"+fmt.Sprint(totalRow), summary.TotalRevenue.String())
	f.SetCellValue("Sheet1", "C"+fmt.Sprint(totalRow), summary.TotalMoneyIn.String())
	f.SetCellValue("Sheet1", "D"+fmt.Sprint(totalRow), summary.TotalCollect.String())
	f.SetCellValue("Sheet1", "E"+fmt.Sprint(totalRow), summary.TotalNetRevenue.String())
	f.SetCellValue("Sheet1", "A"+fmt.Sprint(totalRow+1), "Vouchers")
	f.SetCellValue("Sheet1", "B"+fmt.Sprint(totalRow+1), summary.VoucherTotal.String())

	_, err = f.NewSheet("Reports")
	if err != nil {
		return nil, err
	}
	f.SetCellValue("Reports", "A1", "ReportId")
	f.SetCellValue("Reports", "B1", "Date")
	f.SetCellValue("Reports", "C1", "RelayId")
	f.SetCellValue("Reports", "D1", "PrintedAt")
	f.SetCellValue("Reports", "E1", "Status")
	f.SetCellValue("Reports", "F1", "QualityScore")
	f.SetCellValue("Reports", "G1", "Revenue")
	f.SetCellValue("Reports", "H1", "Machines")
	// Venue staff read the sheet in venue-local time.
	timezone := models.GetVenueTimezone(ctx, venueId)
	if timezone == "" {
		timezone = "Asia/Yangon"
	}
	for i, r := range reports {
		f.SetCellValue("Reports", "A"+fmt.Sprint(i+2), r.ID)
		f.SetCellValue("Reports", "B"+fmt.Sprint(i+2), r.ReportDate.Format("2006-01-02"))
		f.SetCellValue("Reports", "C"+fmt.Sprint(i+2), r.RelayId)
		f.SetCellValue("Reports", "D"+fmt.Sprint(i+2), utils.ConvertToLocalTime(r.PrintedAt, timezone).Format("2006-01-02 15:04:05"))
		f.SetCellValue("Reports", "E"+fmt.Sprint(i+2), string(r.ReconciliationStatus))
		f.SetCellValue("Reports", "F"+fmt.Sprint(i+2), r.QualityScore)
		f.SetCellValue("Reports", "G"+fmt.Sprint(i+2), r.TotalRevenue.String())
		f.SetCellValue("Reports", "H"+fmt.Sprint(i+2), r.MachineCount)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}

	objectKey := fmt.Sprintf("settlements/%s/%s_%s_%s.xlsx",
		venueId, summary.FromDate, summary.ToDate, utils.GenerateUniqueFilename())
	contentType := "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	if err := utils.UploadBytesToGCS(ctx, objectKey, buf.Bytes(), contentType); err != nil {
		return nil, err
	}

	logSlowReport(ctx, "SettlementExport", started, map[string]any{"venue_id": venueId, "reports": len(reports)})
	return &SettlementExportResult{
		ObjectKey:   objectKey,
		DownloadURL: utils.BuildObjectAccessURL(objectKey),
		DayCount:    len(summary.Days),
		ReportCount: len(reports),
	}, nil
}
