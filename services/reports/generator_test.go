package reports

import (
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qaharness/services/results"
)

var start = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func scenario() []results.TestOutcome {
	mk := func(id string, status results.Status, offset time.Duration, errMsg, link string) results.TestOutcome {
		o := results.NewOutcome("exec-1", results.Event{
			TestCaseID:   id,
			Name:         "case " + id,
			Suite:        "smoke",
			Status:       status,
			StartTime:    start.Add(offset),
			EndTime:      start.Add(offset + 1250*time.Millisecond),
			ErrorMessage: errMsg,
		})
		o.ArtifactLink = link
		return o
	}
	return []results.TestOutcome{
		mk("t1", results.StatusPassed, 0, "", ""),
		mk("t2", results.StatusFailed, time.Second, "boom", "artifacts/exec-1/t2/screenshot.png"),
		mk("t3", results.StatusSkipped, 2*time.Second, "", ""),
	}
}

func newGenerator(t *testing.T) *Generator {
	t.Helper()
	g, err := NewGenerator(time.UTC)
	require.NoError(t, err)
	return g
}

func TestGenerator_RoundTripScenario(t *testing.T) {
	set, err := newGenerator(t).Render("exec-1", scenario())
	require.NoError(t, err)

	html := string(set.HTML)
	assert.Equal(t, 3, strings.Count(html, "<tr class="), "one html row per outcome")
	assert.Contains(t, html, "2025-03-14 09:26:54")
	assert.Contains(t, html, "1250ms")
	assert.Contains(t, html, `<a href="/artifacts/exec-1/t2/screenshot.png">Download</a>`)
	assert.Equal(t, 1, strings.Count(html, "<a href="), "links only for non-empty artifacts")
	assert.NotContains(t, html, "1741944413000", "raw epoch millis never shown")

	lines := strings.Split(strings.TrimRight(string(set.CSV), "\n"), "\n")
	require.Len(t, lines, 4, "header plus three rows")
	assert.Equal(t, strings.Join(CSVHeader, ","), lines[0])
	assert.Equal(t, "t2,case t2,smoke,FAILED,1741944414000,1741944415250,1250,artifacts/exec-1/t2/screenshot.png,boom", lines[2])

	junit := string(set.JUnit)
	assert.Equal(t, 1, strings.Count(junit, "<failure"))
	assert.Equal(t, 3, strings.Count(junit, "<testcase "))
	assert.Equal(t, 1, strings.Count(junit, "<system-out>"))
	assert.Contains(t, junit, "Artifact: artifacts/exec-1/t2/screenshot.png")
}

func TestGenerator_JUnitIsValidXML(t *testing.T) {
	set, err := newGenerator(t).Render("exec-1", scenario())
	require.NoError(t, err)

	var parsed junitSuite
	require.NoError(t, xml.Unmarshal(set.JUnit, &parsed))
	assert.Equal(t, 3, parsed.Tests)
	assert.Equal(t, 1, parsed.Failures)
	assert.Equal(t, 1, parsed.Skipped)
	require.Len(t, parsed.Cases, 3)
	assert.Equal(t, "smoke", parsed.Cases[1].ClassName)
	assert.Equal(t, "t2", parsed.Cases[1].Name)
	require.NotNil(t, parsed.Cases[1].Failure)
	assert.Equal(t, "boom", parsed.Cases[1].Failure.Message)
	assert.Nil(t, parsed.Cases[0].Failure)
}

func TestGenerator_DeterministicRegardlessOfInsertionOrder(t *testing.T) {
	g := newGenerator(t)
	rows := scenario()
	reversed := []results.TestOutcome{rows[2], rows[0], rows[1]}

	a, err := g.Render("exec-1", rows)
	require.NoError(t, err)
	b, err := g.Render("exec-1", reversed)
	require.NoError(t, err)

	for _, f := range Formats() {
		assert.True(t, bytes.Equal(a.Bytes(f), b.Bytes(f)), "%s differs", f)
	}
	assert.Equal(t, "t3", reversed[0].TestCaseID, "input slice is not reordered")
}

func TestGenerator_CSVDelimiterSafety(t *testing.T) {
	rows := scenario()
	rows[1].ErrorMessage = "expected 200, got 500\nbody: {\"a\":1,\"b\":2}"
	rows[0].Name = "login, then logout"

	set, err := newGenerator(t).Render("exec-1", rows)
	require.NoError(t, err)

	records, err := csv.NewReader(bytes.NewReader(set.CSV)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	for _, rec := range records {
		assert.Len(t, rec, len(CSVHeader))
	}
	for _, line := range strings.Split(strings.TrimRight(string(set.CSV), "\n"), "\n") {
		assert.Equal(t, len(CSVHeader)-1, strings.Count(line, ","), "line %q", line)
	}
	assert.Equal(t, "login  then logout", records[1][1])
}

func TestGenerator_HTMLEscapesContent(t *testing.T) {
	rows := scenario()
	rows[1].ErrorMessage = "<script>alert(1)</script>"

	set, err := newGenerator(t).Render("exec-1", rows)
	require.NoError(t, err)
	assert.NotContains(t, string(set.HTML), "<script>")
	assert.Contains(t, string(set.HTML), "&lt;script&gt;")
}

func TestGenerator_EmptyResultSet(t *testing.T) {
	set, err := newGenerator(t).Render("exec-1", nil)
	require.NoError(t, err)

	assert.Equal(t, 0, strings.Count(string(set.HTML), "<tr class="))
	assert.Equal(t, strings.Join(CSVHeader, ",")+"\n", string(set.CSV))
	assert.Contains(t, string(set.JUnit), `tests="0"`)
}

func TestGenerator_ReportTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	g, err := NewGenerator(loc)
	require.NoError(t, err)

	set, err := g.Render("exec-1", scenario())
	require.NoError(t, err)
	assert.Contains(t, string(set.HTML), "2025-03-14 11:26:53")
	assert.Contains(t, string(set.CSV), "1741944413000", "csv keeps raw epoch millis")
}

func TestFilename(t *testing.T) {
	tests := []struct {
		reportType string
		want       string
		wantErr    bool
	}{
		{reportType: "html", want: "report.html"},
		{reportType: "csv", want: "report.csv"},
		{reportType: "junit", want: "junit-report.xml"},
		{reportType: "JUnit", want: "junit-report.xml"},
		{reportType: "pdf", wantErr: true},
		{reportType: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.reportType, func(t *testing.T) {
			got, err := Filename(tt.reportType)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteSetAndLocate(t *testing.T) {
	root := t.TempDir()
	set, err := newGenerator(t).Render("exec-1", scenario())
	require.NoError(t, err)
	require.NoError(t, WriteSet(root, set))
	// Idempotent directory creation.
	require.NoError(t, WriteSet(root, set))

	for _, f := range Formats() {
		p, err := Locate(root, "exec-1", string(f))
		require.NoError(t, err)
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, set.Bytes(f), data)
	}

	_, err = Locate(root, "doesnotexist", "html")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = Locate(root, "exec-1", "pdf")
	assert.ErrorIs(t, err, ErrUnknownType)
	_, err = Locate(root, "doesnotexist", "pdf")
	assert.ErrorIs(t, err, ErrUnknownType, "type checked before the execution")
	_, err = Locate(root, "..", "html")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteSet_OneFailureDoesNotBlockOthers(t *testing.T) {
	root := t.TempDir()
	set, err := newGenerator(t).Render("exec-1", scenario())
	require.NoError(t, err)

	// Occupy report.html with a directory so that write fails.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "exec-1", "report.html"), 0o755))

	err = WriteSet(root, set)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report.html")

	for _, name := range []string{"report.csv", "junit-report.xml"} {
		_, statErr := os.Stat(filepath.Join(root, "exec-1", name))
		assert.NoError(t, statErr, "%s still written", name)
	}
}
