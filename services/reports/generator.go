package reports

import (
	"errors"
	"fmt"
	"time"

	"qaharness/pkg/render"
	"qaharness/services/results"
)

// Format identifies one rendering of a report set.
type Format string

const (
	FormatHTML  Format = "html"
	FormatCSV   Format = "csv"
	FormatJUnit Format = "junit"
)

// Formats lists every format in rendering order.
func Formats() []Format {
	return []Format{FormatHTML, FormatCSV, FormatJUnit}
}

// Set holds the three renderings of one execution's outcomes.
type Set struct {
	ExecutionID string
	HTML        []byte
	CSV         []byte
	JUnit       []byte
}

// Bytes returns the rendering for f.
func (s Set) Bytes(f Format) []byte {
	switch f {
	case FormatHTML:
		return s.HTML
	case FormatCSV:
		return s.CSV
	case FormatJUnit:
		return s.JUnit
	default:
		return nil
	}
}

// RenderError wraps the failure of a single format.
type RenderError struct {
	Format Format
	Err    error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s report: %v", e.Format, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Stats summarises a result set.
type Stats struct {
	Total   int
	Passed  int
	Failed  int
	Skipped int
}

func statsFor(rows []results.TestOutcome) Stats {
	s := Stats{Total: len(rows)}
	for _, row := range rows {
		switch row.Status {
		case results.StatusPassed:
			s.Passed++
		case results.StatusFailed:
			s.Failed++
		case results.StatusSkipped:
			s.Skipped++
		}
	}
	return s
}

// Generator renders result sets into HTML, CSV and JUnit XML.
type Generator struct {
	engine *render.Engine
}

// NewGenerator builds a generator formatting human readable timestamps in loc.
func NewGenerator(loc *time.Location) (*Generator, error) {
	engine, err := render.New(loc)
	if err != nil {
		return nil, err
	}
	return &Generator{engine: engine}, nil
}

// Render produces every format from the same ordered rows. A failing format
// does not prevent the others from being rendered; their errors are joined.
func (g *Generator) Render(executionID string, rows []results.TestOutcome) (Set, error) {
	ordered := make([]results.TestOutcome, len(rows))
	copy(ordered, rows)
	results.Sort(ordered)

	set := Set{ExecutionID: executionID}
	var errs []error

	for _, f := range Formats() {
		var (
			data []byte
			err  error
		)
		switch f {
		case FormatHTML:
			data, err = g.renderHTML(executionID, ordered)
		case FormatCSV:
			data, err = renderCSV(ordered)
		case FormatJUnit:
			data, err = renderJUnit(executionID, ordered)
		}
		if err != nil {
			errs = append(errs, &RenderError{Format: f, Err: err})
			continue
		}
		switch f {
		case FormatHTML:
			set.HTML = data
		case FormatCSV:
			set.CSV = data
		case FormatJUnit:
			set.JUnit = data
		}
	}

	return set, errors.Join(errs...)
}

type htmlView struct {
	ExecutionID string
	Stats       Stats
	Rows        []results.TestOutcome
}

func (g *Generator) renderHTML(executionID string, rows []results.TestOutcome) ([]byte, error) {
	if g == nil || g.engine == nil {
		return nil, errors.New("nil generator")
	}
	return g.engine.Render("report.html.tmpl", htmlView{
		ExecutionID: executionID,
		Stats:       statsFor(rows),
		Rows:        rows,
	})
}
