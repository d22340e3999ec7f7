package ingest

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
)

// maxFileSize is the per-file limit of 50 MB.
const maxFileSize = 50 << 20

var (
	// ErrFileTooLarge means the spreadsheet exceeds the 50 MB limit
	ErrFileTooLarge = errors.New("spreadsheet exceeds the 50 MB limit")
	// ErrEmptyFile means the spreadsheet has no rows at all
	ErrEmptyFile = errors.New("spreadsheet is empty")
	// ErrUnsupportedFormat means the extension isn't CSV/TSV/XLSX
	ErrUnsupportedFormat = errors.New("unsupported spreadsheet format")
	// ErrLegacyExcel means a binary .xls workbook, which the OOXML reader
	// cannot open
	ErrLegacyExcel = errors.New("legacy .xls workbooks are not supported, re-save as .xlsx")
)

// Parse reads the spreadsheet at path and returns the header row and the
// data rows. The format is picked by extension; CSV delimiters are auto
// detected from the first line.
func Parse(path string) (headers []string, rows [][]string, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not stat spreadsheet")
	}
	if info.Size() > maxFileSize {
		return nil, nil, ErrFileTooLarge
	}

	var all [][]string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		all, err = readDelimited(path, 0)
	case ".tsv":
		all, err = readDelimited(path, '\t')
	case ".xlsx":
		all, err = readExcel(path)
	case ".xls":
		return nil, nil, ErrLegacyExcel
	default:
		return nil, nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, nil, err
	}
	if len(all) == 0 {
		return nil, nil, ErrEmptyFile
	}
	return all[0], all[1:], nil
}

// readDelimited reads a CSV/TSV file. A zero delimiter triggers auto
// detection: whichever of ';' and ',' appears more often in the first line
// wins.
func readDelimited(path string, delimiter rune) ([][]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read spreadsheet")
	}

	content := string(raw)
	if delimiter == 0 {
		firstLine := content
		if newline := strings.IndexByte(content, '\n'); newline >= 0 {
			firstLine = content[:newline]
		}
		delimiter = ','
		if strings.Count(firstLine, ";") > strings.Count(firstLine, ",") {
			delimiter = ';'
		}
	}

	reader := csv.NewReader(strings.NewReader(content))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1 // ragged rows are handled by the mapper
	reader.LazyQuotes = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "could not parse delimited file")
	}
	return rows, nil
}

func readExcel(path string) ([][]string, error) {
	file, err := excelize.OpenFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not open workbook")
	}
	defer func() { _ = file.Close() }()

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyFile
	}
	rows, err := file.GetRows(sheets[0])
	if err != nil {
		return nil, errors.Wrap(err, "could not read worksheet rows")
	}
	return rows, nil
}
