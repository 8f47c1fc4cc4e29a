package reports

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"time"

	"qaharness/services/results"
)

type junitSuite struct {
	XMLName  xml.Name        `xml:"testsuite"`
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Skipped  int             `xml:"skipped,attr"`
	Time     string          `xml:"time,attr"`
	Cases    []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	ClassName string        `xml:"classname,attr"`
	Name      string        `xml:"name,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *struct{}     `xml:"skipped,omitempty"`
	SystemOut string        `xml:"system-out,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Body    string `xml:",chardata"`
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func renderJUnit(executionID string, rows []results.TestOutcome) ([]byte, error) {
	stats := statsFor(rows)
	suite := junitSuite{
		Name:    executionID,
		Tests:   stats.Total,
		Skipped: stats.Skipped,
		Cases:   make([]junitTestCase, 0, len(rows)),
	}

	var total time.Duration
	for _, row := range rows {
		total += row.Duration
		tc := junitTestCase{
			ClassName: row.Suite,
			Name:      row.TestCaseID,
			Time:      seconds(row.Duration),
		}
		if row.ErrorMessage != "" {
			tc.Failure = &junitFailure{Message: row.ErrorMessage, Body: row.ErrorMessage}
			suite.Failures++
		}
		if row.Status == results.StatusSkipped {
			tc.Skipped = &struct{}{}
		}
		if row.ArtifactLink != "" {
			tc.SystemOut = "Artifact: " + row.ArtifactLink
		}
		suite.Cases = append(suite.Cases, tc)
	}
	suite.Time = seconds(total)

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(suite); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
