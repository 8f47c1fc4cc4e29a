package suites

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrSuiteUnreadable is returned when a suite definition cannot be loaded.
var ErrSuiteUnreadable = errors.New("suite definition unreadable")

const (
	DefaultMaxParallel = 4
	DefaultTimeout     = 30 * time.Second

	defaultFile = "default"
)

// aliases maps the well-known suite names to their definition files.
var aliases = map[string]string{
	"blazedemo": "blaze_smoke",
	"reqres":    "reqres_smoke",
}

// Suite is a named collection of HTTP checks run together.
type Suite struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	BaseURL     string            `yaml:"base_url"`
	Headers     map[string]string `yaml:"headers"`
	MaxParallel int               `yaml:"max_parallel"`
	Timeout     time.Duration     `yaml:"timeout"`
	Cases       []Case            `yaml:"cases"`
}

// Case is a single HTTP check.
type Case struct {
	ID                 string            `yaml:"id"`
	Description        string            `yaml:"description"`
	Method             string            `yaml:"method"`
	URL                string            `yaml:"url"`
	Headers            map[string]string `yaml:"headers"`
	Body               string            `yaml:"body"`
	ExpectStatus       int               `yaml:"expect_status"`
	ExpectBodyContains string            `yaml:"expect_body_contains"`
	Skip               bool              `yaml:"skip"`
}

// Loader reads suite definitions from a directory of YAML files.
type Loader struct {
	dir string
}

func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load resolves name to a definition file, falling back to the default
// suite when no file matches, and validates the result.
func (l *Loader) Load(name string) (Suite, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return Suite{}, fmt.Errorf("%w: invalid suite name %q", ErrSuiteUnreadable, name)
	}

	path, err := l.resolve(strings.ToLower(name))
	if err != nil {
		return Suite{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Suite{}, fmt.Errorf("%w: %v", ErrSuiteUnreadable, err)
	}

	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Suite{}, fmt.Errorf("%w: parse %s: %v", ErrSuiteUnreadable, filepath.Base(path), err)
	}
	if s.Name == "" {
		s.Name = name
	}
	s.applyDefaults()
	if err := s.validate(); err != nil {
		return Suite{}, fmt.Errorf("%w: %s: %v", ErrSuiteUnreadable, filepath.Base(path), err)
	}
	return s, nil
}

func (l *Loader) resolve(name string) (string, error) {
	candidates := []string{name}
	if alias, ok := aliases[name]; ok {
		candidates = []string{alias, name}
	}
	candidates = append(candidates, defaultFile)

	for _, base := range candidates {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(l.dir, base+ext)
			info, err := os.Stat(path)
			if err == nil && !info.IsDir() {
				return path, nil
			}
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return "", fmt.Errorf("%w: %v", ErrSuiteUnreadable, err)
			}
		}
	}
	return "", fmt.Errorf("%w: no definition for %q in %s", ErrSuiteUnreadable, name, l.dir)
}

func (s *Suite) applyDefaults() {
	if s.MaxParallel <= 0 {
		s.MaxParallel = DefaultMaxParallel
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	for i := range s.Cases {
		c := &s.Cases[i]
		if c.Method == "" {
			c.Method = "GET"
		}
		c.Method = strings.ToUpper(c.Method)
		if c.ExpectStatus == 0 {
			c.ExpectStatus = 200
		}
	}
}

func (s Suite) validate() error {
	seen := make(map[string]struct{}, len(s.Cases))
	for i, c := range s.Cases {
		if c.ID == "" {
			return fmt.Errorf("case %d: id is required", i)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("case %q: duplicate id", c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.URL == "" && !c.Skip {
			return fmt.Errorf("case %q: url is required", c.ID)
		}
	}
	return nil
}

// ResolveURL joins a case url onto the suite base url unless it is absolute.
func (s Suite) ResolveURL(c Case) string {
	if strings.Contains(c.URL, "://") || s.BaseURL == "" {
		return c.URL
	}
	return strings.TrimRight(s.BaseURL, "/") + "/" + strings.TrimLeft(c.URL, "/")
}
