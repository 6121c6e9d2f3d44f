package versionname

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Scheme is the naming policy of an artifact: which kind of names it hands
// out and what its first name is. Only the kind is persisted; the other
// fields parameterize First.
type Scheme struct {
	Kind Kind
	// RunID scopes run names.
	RunID string
	// DateOnly selects date names over date-time names.
	DateOnly bool
	// Now is the clock for datetime schemes. Defaults to time.Now.
	Now func() time.Time
}

// SimpleScheme hands out v1, v2, ...
func SimpleScheme() Scheme { return Scheme{Kind: KindSimple} }

// DateTimeScheme hands out timestamps starting at the current second.
func DateTimeScheme() Scheme { return Scheme{Kind: KindDateTime} }

// DateScheme hands out dates starting today.
func DateScheme() Scheme { return Scheme{Kind: KindDateTime, DateOnly: true} }

// RunScheme hands out run_<runID>_v1, run_<runID>_v2, ...
func RunScheme(runID string) Scheme { return Scheme{Kind: KindRun, RunID: runID} }

// SemVerScheme hands out 0.0.1, 0.0.2, ...
func SemVerScheme() Scheme { return Scheme{Kind: KindSemVer} }

// SchemeFromID returns the scheme persisted under id.
func SchemeFromID(id string) (Scheme, error) {
	switch Kind(id) {
	case KindSimple, KindDateTime, KindRun, KindSemVer:
		return Scheme{Kind: Kind(id)}, nil
	default:
		return Scheme{}, fmt.Errorf("%w: unknown version name class %q", ErrInvalidVersionName, id)
	}
}

// ID is the persisted identifier of the scheme.
func (s Scheme) ID() string { return string(s.Kind) }

// IsZero reports whether no scheme was chosen.
func (s Scheme) IsZero() bool { return s.Kind == "" }

// First returns the name given to the first version of an artifact.
func (s Scheme) First() (Name, error) {
	switch s.Kind {
	case KindSimple:
		return Simple(1)
	case KindDateTime:
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		if s.DateOnly {
			return Date(now()), nil
		}
		return DateTime(now()), nil
	case KindRun:
		return Run(s.RunID, 1)
	case KindSemVer:
		return SemVer(semver.New(0, 0, 1, "", "")), nil
	default:
		return Name{}, fmt.Errorf("%w: unknown version name class %q", ErrInvalidVersionName, s.Kind)
	}
}

// Accepts reports whether n belongs to this scheme.
func (s Scheme) Accepts(n Name) bool {
	if n.kind != s.Kind {
		return false
	}
	if s.Kind == KindRun && s.RunID != "" {
		return n.runID == s.RunID
	}
	return true
}

// Parse reads s as a name of this scheme's kind.
func (s Scheme) Parse(text string) (Name, error) {
	n, err := ParseKind(s.Kind, text)
	if err != nil {
		return Name{}, err
	}
	return n, nil
}
