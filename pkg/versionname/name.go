// Package versionname implements the names given to artifact versions.
//
// A Name is a closed tagged union over a fixed set of kinds. Every kind has
// its own textual format, its own ordering and its own notion of "next".
// Names of different kinds are ordered by their kind id so that any set of
// names, even a mixed one, sorts deterministically.
package versionname

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

var (
	// ErrInvalidVersionName is returned when a string matches no known kind.
	ErrInvalidVersionName = errors.New("versionname: invalid version name")
	// ErrIncompatibleVersionName is returned when a name does not belong to the expected scheme.
	ErrIncompatibleVersionName = errors.New("versionname: incompatible version name")
	// ErrNoSuccessor is returned by Next when the successor cannot be represented.
	ErrNoSuccessor = errors.New("versionname: version name has no successor")
)

// maxYear is the last year the four-digit datetime formats can render.
const maxYear = 9999

// Kind identifies the variant of a Name.
type Kind string

const (
	KindDateTime Kind = "datetime"
	KindRun      Kind = "run"
	KindSemVer   Kind = "semver"
	KindSimple   Kind = "simple"
)

const (
	dateTimeLayout = "2006-01-02 15:04:05"
	dateLayout     = "2006-01-02"
)

var (
	simpleFormat = regexp.MustCompile(`^v?([1-9][0-9]*)$`)
	runFormat    = regexp.MustCompile(`^run_([A-Za-z0-9_]*)_v?([1-9][0-9]*)$`)
)

// Name is an immutable version name. The zero value is not a valid name.
type Name struct {
	kind     Kind
	number   int64
	at       time.Time
	dateOnly bool
	runID    string
	semver   *semver.Version
}

// Simple returns the numeric name "v<n>". n must be at least 1.
func Simple(n int64) (Name, error) {
	if n < 1 {
		return Name{}, fmt.Errorf("%w: version number %d must be >= 1", ErrInvalidVersionName, n)
	}
	return Name{kind: KindSimple, number: n}, nil
}

// DateTime returns a timestamp name truncated to the second.
func DateTime(t time.Time) Name {
	t = t.UTC().Truncate(time.Second)
	return Name{kind: KindDateTime, at: t}
}

// Date returns a date-only timestamp name (midnight UTC).
func Date(t time.Time) Name {
	t = t.UTC()
	return Name{kind: KindDateTime, at: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), dateOnly: true}
}

// Run returns the run-scoped name "run_<runID>_v<n>".
func Run(runID string, n int64) (Name, error) {
	if !validRunID(runID) {
		return Name{}, fmt.Errorf("%w: run id %q", ErrInvalidVersionName, runID)
	}
	if n < 1 {
		return Name{}, fmt.Errorf("%w: version number %d must be >= 1", ErrInvalidVersionName, n)
	}
	return Name{kind: KindRun, runID: runID, number: n}, nil
}

// SemVer returns a name holding a semantic version.
func SemVer(v *semver.Version) Name {
	return Name{kind: KindSemVer, semver: v}
}

func validRunID(id string) bool {
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// parser tries to read one kind of name from a string.
type parser struct {
	kind  Kind
	parse func(string) (Name, bool)
}

// parsers is the declared parse priority. When more than one kind accepts
// the same string, the first one listed wins.
var parsers = []parser{
	{KindSimple, parseSimple},
	{KindDateTime, parseDateTime},
	{KindRun, parseRun},
	{KindSemVer, parseSemVer},
}

// Parse reads a version name, trying every kind in priority order.
func Parse(s string) (Name, error) {
	for _, p := range parsers {
		if n, ok := p.parse(s); ok {
			return n, nil
		}
	}
	return Name{}, fmt.Errorf("%w: %q", ErrInvalidVersionName, s)
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Name {
	n, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return n
}

// ParseKind parses s as a name of the given kind only.
func ParseKind(kind Kind, s string) (Name, error) {
	for _, p := range parsers {
		if p.kind != kind {
			continue
		}
		if n, ok := p.parse(s); ok {
			return n, nil
		}
		return Name{}, fmt.Errorf("%w: %q is not a %s name", ErrInvalidVersionName, s, kind)
	}
	return Name{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidVersionName, kind)
}

func parseSimple(s string) (Name, bool) {
	m := simpleFormat.FindStringSubmatch(s)
	if m == nil {
		return Name{}, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Name{}, false
	}
	return Name{kind: KindSimple, number: n}, true
}

func parseDateTime(s string) (Name, bool) {
	if t, err := time.Parse(dateTimeLayout, s); err == nil {
		return Name{kind: KindDateTime, at: t}, true
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return Name{kind: KindDateTime, at: t, dateOnly: true}, true
	}
	return Name{}, false
}

func parseRun(s string) (Name, bool) {
	m := runFormat.FindStringSubmatch(s)
	if m == nil {
		return Name{}, false
	}
	n, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return Name{}, false
	}
	return Name{kind: KindRun, runID: m[1], number: n}, true
}

func parseSemVer(s string) (Name, bool) {
	v, err := semver.StrictNewVersion(s)
	if err != nil {
		return Name{}, false
	}
	return Name{kind: KindSemVer, semver: v}, true
}

// Kind returns the variant of the name.
func (n Name) Kind() Kind { return n.kind }

// IsZero reports whether n is the zero Name.
func (n Name) IsZero() bool { return n.kind == "" }

// Number returns the integer counter of simple and run names.
func (n Name) Number() int64 { return n.number }

// RunID returns the run id of a run name.
func (n Name) RunID() string { return n.runID }

// Time returns the instant of a datetime name.
func (n Name) Time() time.Time { return n.at }

// DateOnly reports whether a datetime name carries only a date.
func (n Name) DateOnly() bool { return n.dateOnly }

// String renders the name. Parse(n.String()) yields a name equal to n.
func (n Name) String() string {
	switch n.kind {
	case KindSimple:
		return "v" + strconv.FormatInt(n.number, 10)
	case KindDateTime:
		if n.dateOnly {
			return n.at.Format(dateLayout)
		}
		return n.at.Format(dateTimeLayout)
	case KindRun:
		return fmt.Sprintf("run_%s_v%d", n.runID, n.number)
	case KindSemVer:
		return n.semver.String()
	default:
		return ""
	}
}

// GoString makes names readable in test failures.
func (n Name) GoString() string {
	return fmt.Sprintf("versionname.Name(%s %q)", n.kind, n.String())
}

// Next returns the successor of n within its own kind. The successor is
// always greater than n; when it would not fit the name's format, Next fails
// with ErrNoSuccessor.
func (n Name) Next() (Name, error) {
	switch n.kind {
	case KindSimple, KindRun:
		if n.number == math.MaxInt64 {
			return Name{}, fmt.Errorf("%w: %s", ErrNoSuccessor, n)
		}
		next := n
		next.number++
		return next, nil
	case KindDateTime:
		next := Name{kind: KindDateTime, at: n.at.Add(time.Second)}
		if n.dateOnly {
			next = Name{kind: KindDateTime, at: n.at.AddDate(0, 0, 1), dateOnly: true}
		}
		if next.at.Year() > maxYear {
			return Name{}, fmt.Errorf("%w: %s", ErrNoSuccessor, n)
		}
		return next, nil
	case KindSemVer:
		if n.semver.Patch() == math.MaxUint64 {
			return Name{}, fmt.Errorf("%w: %s", ErrNoSuccessor, n)
		}
		next := n.semver.IncPatch()
		return Name{kind: KindSemVer, semver: &next}, nil
	default:
		return Name{}, fmt.Errorf("%w: zero name", ErrInvalidVersionName)
	}
}

// Compare returns -1, 0 or 1. Names of different kinds are ordered by kind id.
func (n Name) Compare(other Name) int {
	if n.kind != other.kind {
		return strings.Compare(string(n.kind), string(other.kind))
	}
	switch n.kind {
	case KindSimple:
		return compareInt(n.number, other.number)
	case KindDateTime:
		if c := n.at.Compare(other.at); c != 0 {
			return c
		}
		// Same instant: the date-only form sorts first.
		switch {
		case n.dateOnly == other.dateOnly:
			return 0
		case n.dateOnly:
			return -1
		default:
			return 1
		}
	case KindRun:
		if c := strings.Compare(n.runID, other.runID); c != 0 {
			return c
		}
		return compareInt(n.number, other.number)
	case KindSemVer:
		if c := n.semver.Compare(other.semver); c != 0 {
			return c
		}
		// Build metadata does not take part in precedence.
		return strings.Compare(n.semver.String(), other.semver.String())
	default:
		return 0
	}
}

// Equal reports whether n and other denote the same version.
func (n Name) Equal(other Name) bool { return n.Compare(other) == 0 }

// Less reports whether n sorts before other.
func (n Name) Less(other Name) bool { return n.Compare(other) < 0 }

func compareInt(a, b int64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler.
func (n Name) MarshalText() ([]byte, error) {
	if n.IsZero() {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidVersionName)
	}
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Name) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// Sort sorts names in place under the global total order.
func Sort(names []Name) {
	sort.SliceStable(names, func(i, j int) bool { return names[i].Less(names[j]) })
}

// Contains reports whether names holds a name equal to n.
func Contains(names []Name, n Name) bool {
	for _, candidate := range names {
		if candidate.Equal(n) {
			return true
		}
	}
	return false
}

// Max returns the greatest name, or false when names is empty.
func Max(names []Name) (Name, bool) {
	if len(names) == 0 {
		return Name{}, false
	}
	best := names[0]
	for _, n := range names[1:] {
		if best.Less(n) {
			best = n
		}
	}
	return best, true
}
