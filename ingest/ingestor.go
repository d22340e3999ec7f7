// Package ingest turns an uploaded spreadsheet into debtor rows. Headers
// are mapped through the synonym table, amounts and dates are normalized,
// and every row is classified against the dedup rules before insertion.
// Skipped rows are stored too, marked invalid, so the upload keeps a full
// audit trail of what was filtered and why.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"

	"gitlab.com/arcapay/recoup/billing"
	"gitlab.com/arcapay/recoup/build"
	"gitlab.com/arcapay/recoup/config"
	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/dedup"
	"gitlab.com/arcapay/recoup/iban"
	"gitlab.com/arcapay/recoup/kv"
	"gitlab.com/arcapay/recoup/models/debtors"
	"gitlab.com/arcapay/recoup/models/profiles"
	"gitlab.com/arcapay/recoup/models/uploads"
	"gitlab.com/arcapay/recoup/queue"
	"gitlab.com/arcapay/recoup/validation"
)

var log = build.AddSubLogger("INGS")

const (
	// inlineThreshold is the row count below which an upload is processed
	// without fanning out chunk jobs.
	inlineThreshold = 100
	// rowChunkSize is how many rows one chunk job handles.
	rowChunkSize = 500
)

// Ingestor wires the ingest jobs to their dependencies.
type Ingestor struct {
	DB     *db.DB
	KV     *kv.KV
	Broker *queue.Broker
	Conf   config.Config
}

// ProcessJob parses and ingests one upload. Unique per upload.
type ProcessJob struct {
	Ing      *Ingestor
	UploadID int
}

// IdentityKey makes the job unique per upload.
func (j *ProcessJob) IdentityKey() string {
	return fmt.Sprintf("ingest_upload_%d", j.UploadID)
}

// OnFailure marks the upload failed.
func (j *ProcessJob) OnFailure(err error) {
	log.WithError(err).WithField("uploadID", j.UploadID).
		Error("Ingest job failed permanently")
	if failErr := uploads.SetStatus(j.Ing.DB, j.UploadID, uploads.StatusFailed); failErr != nil {
		log.WithError(failErr).Error("Could not mark upload failed")
	}
}

// Run parses the file and dispatches the row chunks.
func (j *ProcessJob) Run(ctx context.Context) error {
	return j.Ing.Process(ctx, j.UploadID)
}

// Process parses the upload's file, stores the column mapping and ingests
// the rows. Small uploads run inline; larger ones fan out in chunks and
// chain into validation once the last chunk finishes.
func (ing *Ingestor) Process(ctx context.Context, uploadID int) error {
	upload, err := uploads.GetByID(ing.DB, uploadID)
	if err != nil {
		return err
	}

	headers, rows, err := Parse(upload.StoredPath)
	if err == ErrFileTooLarge || err == ErrEmptyFile || err == ErrUnsupportedFormat {
		// not worth retrying
		if metaErr := uploads.AppendRowErrors(ing.DB, uploadID,
			[]string{err.Error()}); metaErr != nil {
			log.WithError(metaErr).Error("Could not record parse error")
		}
		return uploads.SetStatus(ing.DB, uploadID, uploads.StatusFailed)
	}
	if err != nil {
		return err
	}

	mapping := BuildColumnMapping(headers)
	if !HasMandatoryColumns(mapping) {
		if metaErr := uploads.AppendRowErrors(ing.DB, uploadID,
			[]string{"missing mandatory columns: need iban, amount and a name"}); metaErr != nil {
			log.WithError(metaErr).Error("Could not record mapping error")
		}
		return uploads.SetStatus(ing.DB, uploadID, uploads.StatusFailed)
	}

	byColumn := make(map[string]string, len(mapping))
	for index, field := range mapping {
		byColumn[strconv.Itoa(index)] = field
	}
	if err := uploads.SetTotalRows(ing.DB, uploadID, len(rows), byColumn); err != nil {
		return err
	}
	if err := uploads.SetStatus(ing.DB, uploadID, uploads.StatusProcessing); err != nil {
		return err
	}

	if len(rows) <= inlineThreshold {
		if err := ing.processRows(ctx, upload, headers, mapping, rows, 0); err != nil {
			return err
		}
		ing.chainValidation(uploadID)
		return nil
	}

	var batch *queue.Batch
	batch = ing.Broker.NewBatch(func() {
		defer ing.Broker.Forget(batch.ID)
		if batch.Cancelled() {
			if err := uploads.SetStatus(ing.DB, uploadID, uploads.StatusFailed); err != nil {
				log.WithError(err).Error("Could not mark upload failed")
			}
			return
		}
		ing.chainValidation(uploadID)
	})

	for start := 0; start < len(rows); start += rowChunkSize {
		end := start + rowChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		job := &ChunkJob{
			Ing:     ing,
			Upload:  upload,
			Headers: headers,
			Mapping: mapping,
			Rows:    rows[start:end],
			Offset:  start,
			Batch:   batch,
		}
		if err := ing.Broker.EnqueueInBatch(queue.QueueDefault, job, batch); err != nil {
			batch.Cancel()
			batch.Seal()
			return err
		}
	}
	batch.Seal()

	log.WithField("uploadID", uploadID).WithField("rows", len(rows)).
		Info("Dispatched ingest chunks")
	return nil
}

func (ing *Ingestor) chainValidation(uploadID int) {
	job := &validation.UploadJob{DB: ing.DB, KV: ing.KV, UploadID: uploadID}
	if err := ing.Broker.Enqueue(queue.QueueDefault, job); err != nil && err != queue.ErrDuplicate {
		log.WithError(err).WithField("uploadID", uploadID).
			Error("Could not chain validation job")
	}
}

// ChunkJob ingests one slice of rows.
type ChunkJob struct {
	Ing     *Ingestor
	Upload  uploads.Upload
	Headers []string
	Mapping map[int]string
	Rows    [][]string
	Offset  int
	Batch   *queue.Batch
}

// IdentityKey returns "" so chunks of the same upload run in parallel.
func (j *ChunkJob) IdentityKey() string { return "" }

// OnFailure cancels the batch so the upload ends up failed.
func (j *ChunkJob) OnFailure(err error) {
	log.WithError(err).WithField("uploadID", j.Upload.ID).
		WithField("offset", j.Offset).Error("Ingest chunk failed permanently")
	if j.Batch != nil {
		j.Batch.Cancel()
	}
}

// Run ingests the chunk's rows.
func (j *ChunkJob) Run(ctx context.Context) error {
	if j.Batch != nil && j.Batch.Cancelled() {
		return nil
	}
	return j.Ing.processRows(ctx, j.Upload, j.Headers, j.Mapping, j.Rows, j.Offset)
}

// parsedRow is one spreadsheet row after normalization.
type parsedRow struct {
	index  int
	record dedup.Record
	debtor debtors.Debtor
	// problems collected while parsing; stored as validation errors
	problems []string
	// skip set by dedup or model exclusivity
	skip *dedup.Skip
}

func (ing *Ingestor) processRows(ctx context.Context, upload uploads.Upload,
	headers []string, mapping map[int]string, rows [][]string, offset int) error {

	parsed := make([]*parsedRow, 0, len(rows))
	for i, row := range rows {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		parsed = append(parsed, ing.parseRow(upload, headers, mapping, row, offset+i))
	}

	records := make([]dedup.Record, 0, len(parsed))
	for _, p := range parsed {
		if len(p.problems) == 0 {
			records = append(records, p.record)
		}
	}
	skips, err := dedup.Classify(ing.DB, upload.ID, records)
	if err != nil {
		return err
	}
	for _, p := range parsed {
		if skip, ok := skips[p.index]; ok {
			s := skip
			p.skip = &s
		}
	}

	if err := ing.applyModelExclusivity(upload, parsed); err != nil {
		return err
	}

	var processed, failed int
	var rowErrors []string
	skipCounts := make(map[dedup.Reason]int)
	for _, p := range parsed {
		debtor := p.debtor

		switch {
		case p.skip != nil:
			debtor.ValidationStatus = debtors.ValidationInvalid
			debtor.ValidationErrors = encodeErrors([]string{
				"skipped: " + string(p.skip.Reason)})
			skipCounts[p.skip.Reason]++
			failed++
		case len(p.problems) > 0:
			debtor.ValidationStatus = debtors.ValidationInvalid
			debtor.ValidationErrors = encodeErrors(p.problems)
			rowErrors = append(rowErrors, fmt.Sprintf(
				"row %d: %s", p.index+1, strings.Join(p.problems, "; ")))
			failed++
		default:
			processed++
		}

		if _, err := debtors.Insert(ing.DB, debtor); err != nil {
			return err
		}
	}

	for reason, n := range skipCounts {
		if err := uploads.BumpSkipCount(ing.DB, upload.ID, string(reason), n); err != nil {
			return err
		}
	}
	if err := uploads.AppendRowErrors(ing.DB, upload.ID, rowErrors); err != nil {
		return err
	}
	return uploads.AddCounts(ing.DB, upload.ID, processed, failed)
}

// parseRow normalizes one spreadsheet row into a debtor.
func (ing *Ingestor) parseRow(upload uploads.Upload, headers []string,
	mapping map[int]string, row []string, index int) *parsedRow {

	fields := make(map[string]string, len(mapping))
	raw := make(map[string]string, len(row))
	for col, value := range row {
		trimmed := strings.TrimSpace(value)
		if col < len(headers) {
			raw[headers[col]] = trimmed
		}
		if field, ok := mapping[col]; ok && trimmed != "" {
			fields[field] = trimmed
		}
	}

	p := &parsedRow{index: index}

	normalized := iban.Normalize(fields[FieldIban])
	ibanHash := ""
	ibanValid := iban.IsValid(normalized)
	if ibanValid {
		ibanHash = iban.Hash(normalized)
	}
	if normalized == "" {
		p.problems = append(p.problems, "iban is missing")
	}

	first := fields[FieldFirstName]
	last := fields[FieldLastName]
	if first == "" && last == "" {
		first, last = SplitName(fields[FieldFullName])
	}

	amount := decimal.Zero
	if rawAmount, ok := fields[FieldAmount]; ok {
		parsed, err := ParseAmount(rawAmount)
		if err != nil {
			p.problems = append(p.problems, fmt.Sprintf("bad amount %q", rawAmount))
		} else {
			amount = parsed
		}
	} else {
		p.problems = append(p.problems, "amount is missing")
	}

	currency := strings.ToUpper(fields[FieldCurrency])
	if currency == "" {
		currency = "EUR"
	}

	encodedRaw, err := json.Marshal(raw)
	if err != nil {
		encodedRaw = []byte("{}")
	}

	p.debtor = debtors.Debtor{
		UploadID:  upload.ID,
		FirstName: optional(first),
		LastName:  optional(last),
		Email:     optional(fields[FieldEmail]),
		Iban:      normalized,
		IbanHash:  ibanHash,
		IbanValid: ibanValid,
		Country:   optional(strings.ToUpper(fields[FieldCountry])),
		Amount:    amount,
		Currency:  currency,
		RawRow:    types.NullJSONText{JSONText: types.JSONText(encodedRaw), Valid: true},
	}
	p.record = dedup.Record{
		Index:     index,
		IbanHash:  ibanHash,
		FirstName: first,
		LastName:  last,
		Email:     fields[FieldEmail],
	}
	return p
}

// ModelConflictSkip decides whether an existing profile shuts a row of the
/// given model out: an IBAN on a legacy profile never enters a recurring
// upload, an active recurring profile never switches to the other recurring
// model through an import, and a legacy row never bills an IBAN that lives
// on a recurring profile. Returns nil when the row may proceed.
func ModelConflictSkip(profile profiles.Profile,
	rowModel profiles.BillingModel) *dedup.Skip {

	switch {
	case profile.BillingModel == profiles.ModelLegacy && rowModel.IsRecurring():
		return &dedup.Skip{Reason: dedup.ReasonExistingLegacyIban, Permanent: true}
	case profile.IsActive && profile.BillingModel.IsRecurring() &&
		rowModel.IsRecurring() && profile.BillingModel != rowModel:
		return &dedup.Skip{Reason: dedup.ReasonModelConflict, Permanent: true}
	case rowModel == profiles.ModelLegacy && profile.BillingModel.IsRecurring():
		return &dedup.Skip{Reason: dedup.ReasonModelConflict, Permanent: true}
	}
	return nil
}

// applyModelExclusivity enforces the import-time model rules against the
// profiles the batch's IBANs already live on.
func (ing *Ingestor) applyModelExclusivity(upload uploads.Upload, parsed []*parsedRow) error {
	hashes := make([]string, 0, len(parsed))
	for _, p := range parsed {
		if p.skip == nil && len(p.problems) == 0 && p.record.IbanHash != "" {
			hashes = append(hashes, p.record.IbanHash)
		}
	}
	existing, err := profiles.GetByHashes(ing.DB, hashes)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return nil
	}

	for _, p := range parsed {
		if p.skip != nil || len(p.problems) > 0 {
			continue
		}
		profile, ok := existing[p.record.IbanHash]
		if !ok {
			continue
		}

		rowModel := billing.ResolveRowModel(
			ing.Conf.Billing, upload.BillingModel, p.debtor.Amount)
		p.skip = ModelConflictSkip(profile, rowModel)
	}
	return nil
}

func encodeErrors(problems []string) types.NullJSONText {
	encoded, err := json.Marshal(problems)
	if err != nil {
		return types.NullJSONText{}
	}
	return types.NullJSONText{JSONText: types.JSONText(encoded), Valid: true}
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
