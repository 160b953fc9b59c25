// Package pyproject reads and rewrites the version of a Python project file such as
// pyproject.toml. Rewrites only touch the version string so formatting and comments survive.
package pyproject

import (
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// DefaultSection is the table holding the version of Poetry managed projects.
const DefaultSection = "tool.poetry"

var (
	// ErrVersionNotFound is returned when the section has no version field.
	ErrVersionNotFound = errors.New("version not found")
	// ErrInvalidVersion is returned when a version does not start with a numeric release.
	ErrInvalidVersion = errors.New("invalid version format")
)

// Part names a component of a MAJOR.MINOR.PATCH version.
type Part string

// Version parts.
const (
	Major Part = "major"
	Minor Part = "minor"
	Patch Part = "patch"
)

// ParsePart validates a part name.
func ParsePart(s string) (Part, error) {
	switch p := Part(strings.ToLower(strings.TrimSpace(s))); p {
	case Major, Minor, Patch:
		return p, nil
	}
	return "", fmt.Errorf("invalid version part %q, must be one of major, minor or patch", s)
}

var (
	releaseRE = regexp.MustCompile(`^(\d+)\.(\d+)(?:\.(\d+))?`)
	publicRE  = regexp.MustCompile(`^(\d+\.\d+\.\d+)`)
)

// IncrementVersion drops any local version label and increments the given part, resetting
// the lower parts. A missing patch number counts as 0.
func IncrementVersion(version string, part Part) (string, error) {
	base, _, _ := strings.Cut(version, "+")
	m := releaseRE.FindStringSubmatch(base)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	var nums [3]int
	for i, s := range m[1:] {
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		// Every component must leave room for the increment.
		if err != nil || n == math.MaxInt {
			return "", fmt.Errorf("%w: %q has an out of range component", ErrInvalidVersion, version)
		}
		nums[i] = n
	}
	major, minor, patch := nums[0], nums[1], nums[2]
	switch part {
	case Major:
		major, minor, patch = major+1, 0, 0
	case Minor:
		minor, patch = minor+1, 0
	case Patch:
		patch++
	default:
		return "", fmt.Errorf("invalid version part %q", part)
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, patch), nil
}

// LocalVersion replaces everything after the MAJOR.MINOR.PATCH release of version with the
// local version label, e.g. 1.2.3rc1 becomes 1.2.3+alice.
func LocalVersion(version, label string) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", errors.New("local version label is empty")
	}
	m := publicRE.FindStringSubmatch(version)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return m[1] + "+" + label, nil
}

// File is a TOML project file held in memory.
type File struct {
	path    string
	section string
	data    []byte
}

// Load reads the file at path. section is the dotted table name holding the version; empty
// means DefaultSection.
func Load(path, section string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %v", path, err)
	}
	return Parse(path, section, data)
}

// Parse validates data as TOML and returns it as a File that will be saved to path.
func Parse(path, section string, data []byte) (*File, error) {
	if section == "" {
		section = DefaultSection
	}
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %v", path, err)
	}
	return &File{path: path, section: section, data: data}, nil
}

// Bytes returns the current content.
func (f *File) Bytes() []byte {
	return f.data
}

// Version returns the version field of the section.
func (f *File) Version() (string, error) {
	var doc map[string]any
	if err := toml.Unmarshal(f.data, &doc); err != nil {
		return "", fmt.Errorf("unable to parse %s: %v", f.path, err)
	}
	table := doc
	for _, key := range strings.Split(f.section, ".") {
		next, ok := table[key].(map[string]any)
		if !ok {
			return "", fmt.Errorf("%w in [%s] of %s", ErrVersionNotFound, f.section, f.path)
		}
		table = next
	}
	v, ok := table["version"].(string)
	if !ok {
		return "", fmt.Errorf("%w in [%s] of %s", ErrVersionNotFound, f.section, f.path)
	}
	return v, nil
}

var (
	headerRE  = regexp.MustCompile(`^\s*\[([^\[\]]+)\]\s*(?:#.*)?$`)
	arrayRE   = regexp.MustCompile(`^\s*\[\[`)
	versionRE = regexp.MustCompile(`^(\s*version\s*=\s*)("[^"]*"|'[^']*')(.*)$`)
)

// SetVersion replaces the version string of the section in place.
func (f *File) SetVersion(version string) error {
	if _, err := f.Version(); err != nil {
		return err
	}
	lines := strings.SplitAfter(string(f.data), "\n")
	current := ""
	for i, line := range lines {
		body := strings.TrimRight(line, "\r\n")
		if arrayRE.MatchString(body) {
			current = ""
			continue
		}
		if m := headerRE.FindStringSubmatch(body); m != nil {
			current = normalizeTableName(m[1])
			continue
		}
		if current != f.section {
			continue
		}
		if m := versionRE.FindStringSubmatch(body); m != nil {
			quote := m[2][:1]
			lines[i] = m[1] + quote + version + quote + m[3] + line[len(body):]
			f.data = []byte(strings.Join(lines, ""))
			return nil
		}
	}
	return fmt.Errorf("unable to locate the version line of [%s] in %s", f.section, f.path)
}

// Save writes the content back to the file it was loaded from.
func (f *File) Save() error {
	info, err := os.Stat(f.path)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(f.path, f.data, mode); err != nil {
		return fmt.Errorf("unable to write %s: %v", f.path, err)
	}
	return nil
}

func normalizeTableName(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(p), `"'`)
	}
	return strings.Join(parts, ".")
}
