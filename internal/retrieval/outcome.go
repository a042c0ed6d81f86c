package retrieval

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Kind discriminates fetch outcomes.
type Kind int

// Fetch outcome kinds.
const (
	KindArtifact Kind = iota + 1
	KindNotFound
	KindBlocked
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindArtifact:
		return "artifact"
	case KindNotFound:
		return "not_found"
	case KindBlocked:
		return "blocked"
	case KindTransient:
		return "transient_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the classified result of one URL's attempt sequence.
type Outcome struct {
	Kind Kind
	// Body holds the artifact bytes when Kind is KindArtifact.
	Body []byte
	// StatusCode is the last HTTP status seen, 0 when none was received.
	StatusCode int
	// Cause is the last transport fault for transient outcomes.
	Cause    error
	Attempts int
}

// Status discriminates retrieve results.
type Status int

// Retrieve result statuses.
const (
	StatusStored Status = iota + 1
	StatusNotFound
	StatusBlocked
	StatusFailed
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusStored:
		return "stored"
	case StatusNotFound:
		return "not_found"
	case StatusBlocked:
		return "blocked"
	case StatusFailed:
		return "failed"
	case StatusInvalid:
		return "invalid_url"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is what the orchestrator acts on. Location is set when Status is
// StatusStored; Err explains every other status except StatusNotFound.
type Result struct {
	Status     Status
	Location   string
	SHA256     string
	Bytes      int
	StatusCode int
	Attempts   int
	Err        error
}

// Blocked reports whether the caller should rotate identity now.
func (r Result) Blocked() bool {
	return r.Status == StatusBlocked
}

// Signature is a binary-format magic number that must occur within the first
// Window bytes of a body.
type Signature struct {
	Name   string
	Magic  []byte
	Window int
}

// PDFSignature matches PDF documents.
var PDFSignature = Signature{Name: "pdf", Magic: []byte("%PDF"), Window: 10}

// Matches reports whether body carries the signature.
func (s Signature) Matches(body []byte) bool {
	window := s.Window
	if window <= 0 || window > len(body) {
		window = len(body)
	}
	return bytes.Contains(body[:window], s.Magic)
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SafeName derives a filesystem-safe object name from the last path segment of rawURL.
func SafeName(rawURL string) string {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		name = path.Base(u.Path)
	} else if i := strings.LastIndex(rawURL, "/"); i >= 0 {
		name = rawURL[i+1:]
	}
	name = unsafeNameChars.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == ".." {
		name = "artifact"
	}
	return name
}
