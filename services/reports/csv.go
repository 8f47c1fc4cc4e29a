package reports

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"strings"

	"qaharness/services/results"
)

// CSVHeader is the fixed column order of report.csv.
var CSVHeader = []string{
	"TestCaseId", "Name", "Suite", "Status", "StartTime", "EndTime", "Duration", "ArtifactLink", "ErrorMessage",
}

// delimiterSafe replaces characters that would break column or row alignment.
var delimiterSafe = strings.NewReplacer(",", " ", "\r\n", " ", "\r", " ", "\n", " ")

func renderCSV(rows []results.TestOutcome) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(CSVHeader); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := []string{
			row.TestCaseID,
			row.Name,
			row.Suite,
			string(row.Status),
			strconv.FormatInt(row.StartTime.UnixMilli(), 10),
			strconv.FormatInt(row.EndTime.UnixMilli(), 10),
			strconv.FormatInt(row.DurationMillis(), 10),
			row.ArtifactLink,
			row.ErrorMessage,
		}
		for i := range record {
			record[i] = delimiterSafe.Replace(record[i])
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
