// Package exports renders operator-facing report files: an XLSX workbook of
// the rows an upload skipped and a CSV dump of billable debtors. Files are
// written to a spool directory; progress is published through the KV store
// so the API can poll it.
package exports

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"gitlab.com/arcapay/recoup/build"
	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/dedup"
	"gitlab.com/arcapay/recoup/kv"
	"gitlab.com/arcapay/recoup/models/debtors"
)

var log = build.AddSubLogger("XPRT")

// Progress is the document an export job publishes while it runs.
type Progress struct {
	Rows  int    `json:"rows"`
	Done  bool   `json:"done"`
	Path  string `json:"path,omitempty"`
	Error string `json:"error,omitempty"`
}

// SkippedReportJob writes an XLSX report of everything an upload filtered
// out: one sheet with the per-reason totals, one with the skipped rows.
// Unique per upload.
type SkippedReportJob struct {
	DB       *db.DB
	KV       *kv.KV
	UploadID int
	OutDir   string
}

func (j *SkippedReportJob) progressKey() string {
	return fmt.Sprintf("skipped_export_%d", j.UploadID)
}

// IdentityKey makes the job unique per upload.
func (j *SkippedReportJob) IdentityKey() string {
	return fmt.Sprintf("skipped_export_job_%d", j.UploadID)
}

// OnFailure publishes the failure through the progress document.
func (j *SkippedReportJob) OnFailure(err error) {
	log.WithError(err).WithField("uploadID", j.UploadID).
		Error("Skipped report failed permanently")
	if setErr := j.KV.SetProgress(context.Background(), j.progressKey(),
		Progress{Done: true, Error: err.Error()}); setErr != nil {
		log.WithError(setErr).Error("Could not publish export failure")
	}
}

// Run builds the workbook.
func (j *SkippedReportJob) Run(ctx context.Context) error {
	all, err := debtors.GetByUploadID(j.DB, j.UploadID)
	if err != nil {
		return err
	}

	summary := dedup.NewSummary()
	var skipped []debtors.Debtor
	for i, debtor := range all {
		reason, ok := skipReason(debtor)
		if !ok {
			continue
		}
		summary.Add(i, reason, debtor.Name())
		skipped = append(skipped, debtor)
	}

	file := excelize.NewFile()
	defer func() { _ = file.Close() }()

	const summarySheet = "Summary"
	const rowsSheet = "Skipped rows"
	if err := file.SetSheetName(file.GetSheetName(0), summarySheet); err != nil {
		return errors.Wrap(err, "could not name summary sheet")
	}
	if _, err := file.NewSheet(rowsSheet); err != nil {
		return errors.Wrap(err, "could not create rows sheet")
	}

	if err := file.SetSheetRow(summarySheet, "A1",
		&[]interface{}{"Reason", "Rows"}); err != nil {
		return errors.Wrap(err, "could not write summary header")
	}
	row := 2
	for reason, count := range summary.Counts {
		cell := fmt.Sprintf("A%d", row)
		if err := file.SetSheetRow(summarySheet, cell,
			&[]interface{}{string(reason), count}); err != nil {
			return errors.Wrap(err, "could not write summary row")
		}
		row++
	}
	cell := fmt.Sprintf("A%d", row)
	if err := file.SetSheetRow(summarySheet, cell,
		&[]interface{}{"total", summary.Total()}); err != nil {
		return errors.Wrap(err, "could not write summary total")
	}

	if err := file.SetSheetRow(rowsSheet, "A1", &[]interface{}{
		"Name", "IBAN", "Amount", "Currency", "Reason",
	}); err != nil {
		return errors.Wrap(err, "could not write rows header")
	}
	for i, debtor := range skipped {
		reason, _ := skipReason(debtor)
		cell := fmt.Sprintf("A%d", i+2)
		if err := file.SetSheetRow(rowsSheet, cell, &[]interface{}{
			debtor.Name(), debtor.Iban, debtor.Amount.StringFixed(2),
			debtor.Currency, string(reason),
		}); err != nil {
			return errors.Wrap(err, "could not write skipped row")
		}
	}

	path := filepath.Join(j.OutDir, fmt.Sprintf("upload_%d_skipped.xlsx", j.UploadID))
	if err := file.SaveAs(path); err != nil {
		return errors.Wrap(err, "could not save skipped report")
	}

	if err := j.KV.SetProgress(ctx, j.progressKey(),
		Progress{Rows: len(skipped), Done: true, Path: path}); err != nil {
		log.WithError(err).Error("Could not publish export progress")
	}
	log.WithField("uploadID", j.UploadID).WithField("rows", len(skipped)).
		Info("Wrote skipped report")
	return nil
}

// skipReason extracts the dedup reason from a debtor stored as skipped.
func skipReason(debtor debtors.Debtor) (dedup.Reason, bool) {
	if debtor.ValidationStatus != debtors.ValidationInvalid ||
		!debtor.ValidationErrors.Valid {
		return "", false
	}
	var problems []string
	if err := json.Unmarshal(debtor.ValidationErrors.JSONText, &problems); err != nil {
		return "", false
	}
	for _, problem := range problems {
		if rest, ok := strings.CutPrefix(problem, "skipped: "); ok {
			return dedup.Reason(rest), true
		}
	}
	return "", false
}

// CleanDebtorsJob writes the billable debtors of an upload as CSV. The
// progress document lives under "clean_users_export:{job_id}". Unique per
// job id.
type CleanDebtorsJob struct {
	DB       *db.DB
	KV       *kv.KV
	UploadID int
	JobID    string
	OutDir   string
}

func (j *CleanDebtorsJob) progressKey() string {
	return fmt.Sprintf("clean_users_export:%s", j.JobID)
}

// IdentityKey makes the job unique per job id.
func (j *CleanDebtorsJob) IdentityKey() string {
	return fmt.Sprintf("clean_users_export_job_%s", j.JobID)
}

// OnFailure publishes the failure through the progress document.
func (j *CleanDebtorsJob) OnFailure(err error) {
	log.WithError(err).WithField("uploadID", j.UploadID).
		Error("Clean debtors export failed permanently")
	if setErr := j.KV.SetProgress(context.Background(), j.progressKey(),
		Progress{Done: true, Error: err.Error()}); setErr != nil {
		log.WithError(setErr).Error("Could not publish export failure")
	}
}

// Run writes the CSV.
func (j *CleanDebtorsJob) Run(ctx context.Context) error {
	ids, err := debtors.ValidIDs(j.DB, j.UploadID)
	if err != nil {
		return err
	}
	all, err := debtors.GetByIDs(j.DB, ids)
	if err != nil {
		return err
	}

	path := filepath.Join(j.OutDir, fmt.Sprintf("upload_%d_clean_%s.csv", j.UploadID, j.JobID))
	out, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "could not create export file")
	}
	defer func() { _ = out.Close() }()

	writer := csv.NewWriter(out)
	if err := writer.Write([]string{
		"first_name", "last_name", "email", "iban", "amount", "currency", "country",
	}); err != nil {
		return errors.Wrap(err, "could not write CSV header")
	}
	for _, debtor := range all {
		record := []string{
			stringOrEmpty(debtor.FirstName), stringOrEmpty(debtor.LastName),
			stringOrEmpty(debtor.Email), debtor.Iban,
			debtor.Amount.StringFixed(2), debtor.Currency,
			stringOrEmpty(debtor.Country),
		}
		if err := writer.Write(record); err != nil {
			return errors.Wrap(err, "could not write CSV row")
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "could not flush CSV")
	}

	if err := j.KV.SetProgress(ctx, j.progressKey(),
		Progress{Rows: len(all), Done: true, Path: path}); err != nil {
		log.WithError(err).Error("Could not publish export progress")
	}
	log.WithField("uploadID", j.UploadID).WithField("rows", len(all)).
		Info("Wrote clean debtors export")
	return nil
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
