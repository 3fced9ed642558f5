package services

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"strings"

	"github.com/crowdtask-io/crowdtask/internal/models"
)

// csvTimeLayout matches the datetime column format of exported responses.
const csvTimeLayout = "2006-01-02 15:04:05"

// HeaderValues builds the CSV header row: the fixed response columns, the
// optional email/number/datum/metadata columns, then one column per
// non-static field, deleted fields suffixed " (deleted)".
func HeaderValues(a *models.Assignment, fields []*models.Field, metadataKeys []string, includeEmails, hasData bool) []string {
	values := []string{"user", "public", "datetime", "skip", "flag", "gallery", "tags"}
	if includeEmails {
		values = append(values[:1], append([]string{"email"}, values[1:]...)...)
	}
	if a.MultiplePerPage {
		values = append(values, "number")
	}
	if hasData {
		values = append(values, "datum")
		values = append(values, metadataKeys...)
	}
	for _, f := range fields {
		if f.Type.Static() {
			continue
		}
		values = append(values, f.ExportLabel())
	}
	return values
}

// ResponseValues builds one CSV data row aligned with HeaderValues. Values
// of multi-valued fields are concatenated with ", "; fields the response
// never answered render as empty strings.
func ResponseValues(a *models.Assignment, r *models.Response, user *models.User, datum *models.Datum,
	fields []*models.Field, metadataKeys []string, values []*models.Value, includeEmails, hasData bool) []string {

	username := "Anonymous"
	email := ""
	if user != nil {
		username = user.Name
		if username == "" {
			username = user.Email
		}
		email = user.Email
	}

	row := []string{
		username,
		strconv.FormatBool(r.Public),
		r.CreatedAt.Format(csvTimeLayout),
		strconv.FormatBool(r.Skip),
		strconv.FormatBool(r.Flag),
		strconv.FormatBool(r.Gallery),
		strings.Join(r.Tags, ", "),
	}
	if includeEmails {
		row = append(row[:1], append([]string{email}, row[1:]...)...)
	}
	if a.MultiplePerPage {
		row = append(row, strconv.Itoa(r.Number))
	}
	if hasData {
		url := ""
		if datum != nil {
			url = datum.URL
		}
		row = append(row, url)
		for _, key := range metadataKeys {
			if datum != nil {
				row = append(row, datum.Metadata[key])
			} else {
				row = append(row, "")
			}
		}
	}

	aggregated := aggregateFieldValues(fields, values)
	for _, f := range fields {
		if f.Type.Static() {
			continue
		}
		row = append(row, aggregated[f.ID])
	}
	return row
}

// aggregateFieldValues groups a response's values by field, joining
// multiple values with ", ". Blank values of multi-valued fields are
// skipped; they exist only to retain original values across edits.
func aggregateFieldValues(fields []*models.Field, values []*models.Value) map[string]string {
	byField := map[string][]string{}
	multi := map[string]bool{}
	for _, f := range fields {
		multi[f.ID] = f.Type.MultiValued()
	}
	for _, v := range values {
		if v.Value == "" && multi[v.FieldID] {
			continue
		}
		byField[v.FieldID] = append(byField[v.FieldID], v.Value)
	}
	out := make(map[string]string, len(byField))
	for id, vs := range byField {
		out[id] = strings.Join(vs, ", ")
	}
	return out
}

// WriteCSV renders a header and rows into CSV bytes.
func WriteCSV(header []string, rows [][]string) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
