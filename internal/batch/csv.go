package batch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pitabwire/skillflow/model"
)

// ParseCSV reads input sets from CSV. The first record is the header;
// columnMapping maps header names to global input IDs. Blank values are
// left out and rows with no mapped value are dropped.
func ParseCSV(r io.Reader, columnMapping map[string]string) ([]map[string]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, dup := index[h]; !dup {
			index[h] = i
		}
	}

	var sets []map[string]string
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", line, err)
		}

		inputs := make(map[string]string)
		for column, inputID := range columnMapping {
			i, ok := index[column]
			if !ok || i >= len(record) {
				continue
			}
			if v := strings.TrimSpace(record[i]); v != "" {
				inputs[inputID] = v
			}
		}
		if len(inputs) > 0 {
			sets = append(sets, inputs)
		}
	}
	return sets, nil
}

// IdentityMapping maps every global input's ID and label to itself, so a
// CSV whose header uses either can be parsed without an explicit mapping.
func IdentityMapping(wf model.Workflow) map[string]string {
	m := make(map[string]string, 2*len(wf.GlobalInputs))
	for _, in := range wf.GlobalInputs {
		if in.Label != "" {
			m[in.Label] = in.ID
		}
		m[in.ID] = in.ID
	}
	return m
}

// ExportCSV writes one row per item: its ID, status and timestamps, then a
// column per global input and a column per step output.
func ExportCSV(w io.Writer, b Batch, wf model.Workflow) error {
	cw := csv.NewWriter(w)

	header := []string{"Item ID", "Status", "Started At", "Completed At"}
	for _, in := range wf.GlobalInputs {
		header = append(header, "Input: "+in.Label)
	}
	for _, s := range wf.Steps {
		header = append(header, "Output: "+s.DisplayName())
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, it := range b.Items {
		row := []string{it.ID, string(it.Status), formatTime(it.StartedAt), formatTime(it.CompletedAt)}
		for _, in := range wf.GlobalInputs {
			row = append(row, it.Inputs[in.ID])
		}
		for _, s := range wf.Steps {
			row = append(row, it.Outputs[s.OutputKey])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
