package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"qaharness/services/results"
)

// Kind identifies one type of failure evidence.
type Kind string

const (
	KindScreenshot Kind = "screenshot"
	KindRequest    Kind = "request"
	KindResponse   Kind = "response"
)

// LinkPrefix is the URL prefix under which artifacts are served.
const LinkPrefix = "artifacts"

const (
	ContentTypePNG    = "image/png"
	ContentTypeJSON   = "application/json"
	ContentTypeBinary = "application/octet-stream"
)

var (
	ErrNotFound    = errors.New("artifact not found")
	ErrInvalidName = errors.New("invalid artifact name")
	ErrInvalidKind = errors.New("invalid artifact kind")
	// ErrNotFailed is returned when capture is requested for a passing or skipped outcome.
	ErrNotFailed = errors.New("evidence is only captured for failed outcomes")
)

// WriteError reports a filesystem failure while persisting evidence.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write artifact %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Kinds lists every artifact kind in link preference order.
func Kinds() []Kind {
	return []Kind{KindScreenshot, KindRequest, KindResponse}
}

// Filename returns the fixed file name for a kind.
func (k Kind) Filename() (string, error) {
	switch k {
	case KindScreenshot:
		return "screenshot.png", nil
	case KindRequest:
		return "request.json", nil
	case KindResponse:
		return "response.json", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, string(k))
	}
}

// KindFromFilename maps a served file name back to its kind.
func KindFromFilename(name string) (Kind, bool) {
	for _, k := range Kinds() {
		if fn, _ := k.Filename(); fn == name {
			return k, true
		}
	}
	return "", false
}

// ContentType derives the response content type from the file extension.
func ContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return ContentTypePNG
	case ".json":
		return ContentTypeJSON
	default:
		return ContentTypeBinary
	}
}

// Store persists failure evidence beneath a root directory using the
// {root}/{executionId}/{testCaseId}/{file} convention.
type Store struct {
	root string
}

// NewStore returns a store rooted at dir. The directory is created lazily.
func NewStore(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("artifacts directory is required")
	}
	return &Store{root: filepath.Clean(dir)}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

// Path returns the filesystem location of an artifact.
func (s *Store) Path(executionID, testCaseID string, kind Kind) (string, error) {
	name, err := kind.Filename()
	if err != nil {
		return "", err
	}
	if err := validateSegments(executionID, testCaseID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, executionID, testCaseID, name), nil
}

// Link returns the URL path recorded on the outcome and served by the API.
func Link(executionID, testCaseID string, kind Kind) (string, error) {
	name, err := kind.Filename()
	if err != nil {
		return "", err
	}
	if err := validateSegments(executionID, testCaseID); err != nil {
		return "", err
	}
	return path.Join(LinkPrefix, executionID, testCaseID, name), nil
}

// ExecutionDir returns the directory holding every artifact of an execution.
func (s *Store) ExecutionDir(executionID string) (string, error) {
	if err := validateSegments(executionID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, executionID), nil
}

// Capture writes evidence for a failed outcome and returns its link. Repeated
// captures for the same key overwrite the previous file.
func (s *Store) Capture(outcome results.TestOutcome, kind Kind, payload []byte) (string, error) {
	if outcome.Status != results.StatusFailed {
		return "", ErrNotFailed
	}

	target, err := s.Path(outcome.ExecutionID, outcome.TestCaseID, kind)
	if err != nil {
		return "", err
	}
	link, err := Link(outcome.ExecutionID, outcome.TestCaseID, kind)
	if err != nil {
		return "", err
	}

	if kind != KindScreenshot && len(strings.TrimSpace(string(payload))) == 0 {
		payload = []byte("{}")
	}

	if err := writeFile(target, payload); err != nil {
		return "", &WriteError{Path: target, Err: err}
	}
	return link, nil
}

// Open returns the artifact file for download along with its content type.
func (s *Store) Open(executionID, testCaseID, filename string) (*os.File, string, error) {
	kind, ok := KindFromFilename(filename)
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrNotFound, filename)
	}
	target, err := s.Path(executionID, testCaseID, kind)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		return nil, "", ErrNotFound
	}
	return f, ContentType(filename), nil
}

// List returns the links of every artifact stored for an execution.
func (s *Store) List(executionID string) ([]string, error) {
	dir, err := s.ExecutionDir(executionID)
	if err != nil {
		return nil, err
	}

	var links []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		links = append(links, path.Join(LinkPrefix, filepath.ToSlash(rel)))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return links, err
}

func writeFile(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// validateSegments rejects ids that would escape their directory.
func validateSegments(segments ...string) error {
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." ||
			strings.ContainsAny(seg, `/\`) || strings.ContainsRune(seg, 0) {
			return fmt.Errorf("%w: %q", ErrInvalidName, seg)
		}
	}
	return nil
}
