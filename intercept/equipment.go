package intercept

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/wolfeidau/offline-cache/store/queue"
)

// ErrNoCSV is returned when an upload carries no CSV file.
var ErrNoCSV = errors.New("upload has no csv file")

// EquipmentColumns are the CSV columns a dataset upload must carry.
var EquipmentColumns = []string{"Equipment Name", "Type", "Flowrate", "Pressure", "Temperature"}

// Upload is a parsed dataset CSV upload.
type Upload struct {
	FileName string
	Rows     []queue.EquipmentRow
}

// ParseEquipmentUpload extracts equipment rows from a dataset upload body.
// The body is either multipart/form-data with a "file" part named *.csv or
// a bare text/csv document.
func ParseEquipmentUpload(contentType string, body []byte) (*Upload, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, ErrNoCSV
	}

	switch mediaType {
	case "text/csv":
		rows, err := parseEquipmentCSV(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		return &Upload{Rows: rows}, nil
	case "multipart/form-data":
	default:
		return nil, ErrNoCSV
	}

	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, ErrNoCSV
		}
		if err != nil {
			return nil, fmt.Errorf("reading multipart body: %w", err)
		}
		if part.FormName() != "file" {
			continue
		}
		name := part.FileName()
		if !strings.HasSuffix(strings.ToLower(name), ".csv") {
			return nil, ErrNoCSV
		}
		rows, err := parseEquipmentCSV(part)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		return &Upload{FileName: name, Rows: rows}, nil
	}
}

func parseEquipmentCSV(r io.Reader) ([]queue.EquipmentRow, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	var missing []string
	for _, col := range EquipmentColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}

	var rows []queue.EquipmentRow
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := cr.FieldPos(0)

		field := func(col string) string {
			return strings.TrimSpace(record[index[col]])
		}
		number := func(col string) (float64, error) {
			v, err := strconv.ParseFloat(field(col), 64)
			if err != nil {
				return 0, fmt.Errorf("line %d: %s: %w", line, col, err)
			}
			return v, nil
		}

		row := queue.EquipmentRow{Name: field("Equipment Name"), Type: field("Type")}
		if row.Flowrate, err = number("Flowrate"); err != nil {
			return nil, err
		}
		if row.Pressure, err = number("Pressure"); err != nil {
			return nil, err
		}
		if row.Temperature, err = number("Temperature"); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}
