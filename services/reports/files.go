package reports

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrUnknownType = errors.New("unknown report type")
	ErrNotFound    = errors.New("report not found")
)

// Filename maps a report type to its fixed file name.
func Filename(reportType string) (string, error) {
	switch Format(strings.ToLower(strings.TrimSpace(reportType))) {
	case FormatHTML:
		return "report.html", nil
	case FormatCSV:
		return "report.csv", nil
	case FormatJUnit:
		return "junit-report.xml", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, reportType)
	}
}

// ContentType returns the media type served for a report type.
func ContentType(f Format) string {
	switch f {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatJUnit:
		return "application/xml"
	default:
		return "application/octet-stream"
	}
}

// Dir returns the directory holding an execution's report set.
func Dir(root, executionID string) (string, error) {
	if executionID == "" || executionID == "." || executionID == ".." ||
		strings.ContainsAny(executionID, `/\`) {
		return "", fmt.Errorf("%w: invalid execution id %q", ErrNotFound, executionID)
	}
	return filepath.Join(root, executionID), nil
}

// Locate resolves the report file for an execution. The type is validated
// before the execution so an unknown type is always a client error.
func Locate(root, executionID, reportType string) (string, error) {
	name, err := Filename(reportType)
	if err != nil {
		return "", err
	}
	dir, err := Dir(root, executionID)
	if err != nil {
		return "", err
	}

	target := filepath.Join(dir, name)
	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, target)
		}
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	return target, nil
}

// WriteSet writes every rendered file of the set under root/{executionId}.
// Each file is attempted even when an earlier one fails.
func WriteSet(root string, set Set) error {
	dir, err := Dir(root, set.ExecutionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	var errs []error
	for _, f := range Formats() {
		data := set.Bytes(f)
		if data == nil {
			continue
		}
		name, _ := Filename(string(f))
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
