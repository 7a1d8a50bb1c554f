package artifact

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/vdtri/extractor/internal/core/domain"
)

// Extractor pulls the versioned script reference out of a source document and
// the signing fields out of the script body. Implementations are pure pattern
// matching; the cache decides what to do with absences.
type Extractor interface {
	// ScriptURL returns the absolute URL of the versioned script referenced
	// by the document. Absence is an error, never a silent fallback.
	ScriptURL(doc []byte) (string, error)

	// Fields extracts all configured fields from the script body.
	Fields(script []byte) (Fields, error)
}

// Fields is the outcome of one extraction pass. Required-field absence is
// surfaced by the extractor as an error, so a populated Fields is complete.
type Fields struct {
	SigningTimestamp string
	Optional         map[string]string
}

// FieldSpec describes one field to extract: the first matching pattern wins
// and its first capture group is the value.
type FieldSpec struct {
	Name     string
	Patterns []*regexp.Regexp
	Required bool
	Default  string // used, loudly, when a required field is absent
}

// RegexExtractor is the default pattern-based extractor.
type RegexExtractor struct {
	urlPattern *regexp.Regexp
	baseURL    string
	signing    FieldSpec
	extras     []FieldSpec
	log        *slog.Logger
}

// Patterns carried over from the extraction method in use. The signing
// timestamp is the one field the upstream API call cannot work without.
var (
	// Tolerates JSON-escaped slashes; ScriptURL normalizes them afterwards.
	defaultURLPattern = regexp.MustCompile(`"jsUrl"\s*:\s*"(\\?/s\\?/player\\?/[^"]+player[^"]+\.js)"`)

	defaultSigningSpec = FieldSpec{
		Name: "signing_timestamp",
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`sts["']?\s*:\s*(\d+)`),
			regexp.MustCompile(`signatureTimestamp["']?\s*:\s*(\d+)`),
		},
		Required: true,
		Default:  "19000",
	}

	defaultExtraSpecs = []FieldSpec{
		{
			Name: "decipher_ref",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\.sig\|\|([a-zA-Z0-9$]+)\(`),
				regexp.MustCompile(`signature=([a-zA-Z0-9$]+)\(`),
			},
		},
		{
			Name: "throttle_ref",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`&&\(b=([a-zA-Z0-9$]+)\[`),
				regexp.MustCompile(`\(b\.s\|\|([a-zA-Z0-9$]+)\[`),
			},
		},
	}
)

// NewRegexExtractor creates an extractor with the default pattern set.
// baseURL is prefixed to relative script paths.
func NewRegexExtractor(baseURL string, log *slog.Logger) *RegexExtractor {
	if log == nil {
		log = slog.Default()
	}
	return &RegexExtractor{
		urlPattern: defaultURLPattern,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		signing:    defaultSigningSpec,
		extras:     defaultExtraSpecs,
		log:        log.With("component", "extractor"),
	}
}

// ScriptURL extracts the script reference from the source document.
func (e *RegexExtractor) ScriptURL(doc []byte) (string, error) {
	m := e.urlPattern.FindSubmatch(doc)
	if m == nil {
		return "", fmt.Errorf("script reference: %w", domain.ErrExtractionFailure)
	}
	path := strings.ReplaceAll(string(m[1]), `\/`, "/")
	if strings.HasPrefix(path, "http") {
		return path, nil
	}
	return e.baseURL + path, nil
}

// Fields extracts the signing timestamp plus optional fields. A missing
// required field with a configured default is logged and defaulted; without a
// default it is a hard error.
func (e *RegexExtractor) Fields(script []byte) (Fields, error) {
	out := Fields{Optional: make(map[string]string)}

	val, ok := firstMatch(e.signing.Patterns, script)
	switch {
	case ok:
		out.SigningTimestamp = val
	case e.signing.Default != "":
		e.log.Error("required field missing, using default",
			"field", e.signing.Name, "default", e.signing.Default)
		out.SigningTimestamp = e.signing.Default
	default:
		return Fields{}, fmt.Errorf("field %s: %w", e.signing.Name, domain.ErrExtractionFailure)
	}

	for _, spec := range e.extras {
		if val, ok := firstMatch(spec.Patterns, script); ok {
			out.Optional[spec.Name] = val
		}
	}
	return out, nil
}

func firstMatch(patterns []*regexp.Regexp, data []byte) (string, bool) {
	for _, p := range patterns {
		if m := p.FindSubmatch(data); m != nil {
			return string(m[1]), true
		}
	}
	return "", false
}
