// Package styledname encodes and decodes provider/nurse assignment values
// that carry an embedded display style.
//
// Wire format:
//
//	"|style|" + {"color":..,"fontFamily":..,"fontWeight":..,"fontStyle":..} + "|name|" + name
//
// Any value that does not start with the style marker is a plain roster name.
package styledname

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

const (
	StyleMarker = "|style|"
	NameMarker  = "|name|"
)

// Style is the display formatting attached to a free-text name.
type Style struct {
	Color      string `json:"color"`
	FontFamily string `json:"fontFamily"`
	FontWeight string `json:"fontWeight"`
	FontStyle  string `json:"fontStyle"`
}

// Kind tags how a value was decoded.
type Kind int

const (
	// Plain is a value without the style marker.
	Plain Kind = iota
	// Styled is a well-formed styled name.
	Styled
	// FallbackPlain is a value that carried the style marker but could not be
	// parsed; Name holds the raw value.
	FallbackPlain
)

func (k Kind) String() string {
	switch k {
	case Plain:
		return "plain"
	case Styled:
		return "styled"
	case FallbackPlain:
		return "fallback-plain"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Result is the outcome of Decode. Style is nil unless Kind is Styled.
// Err explains a FallbackPlain result and is nil otherwise.
type Result struct {
	Name  string
	Style *Style
	Kind  Kind
	Err   error
}

var (
	errMissingNameMarker = errors.New("styledname: missing name marker")
	errBadStyleJSON      = errors.New("styledname: malformed style json")
)

// Encode produces the wire representation of a styled name. The style JSON
// leaves <, > and & unescaped so the value matches what the dashboard writes.
func Encode(name string, style Style) string {
	var b strings.Builder
	b.WriteString(StyleMarker)
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	// Encoding a struct of strings cannot fail.
	_ = enc.Encode(style)
	out := strings.TrimSuffix(b.String(), "\n")
	return out + NameMarker + name
}

// IsStyled reports whether value carries the style marker. It does not
// check that the value is well formed.
func IsStyled(value string) bool {
	return strings.HasPrefix(value, StyleMarker)
}

// Decode splits a wire value into name and style. It never fails: a value
// with the style marker that cannot be parsed comes back as FallbackPlain
// with the raw value as the name.
func Decode(value string) Result {
	if !IsStyled(value) {
		return Result{Name: value, Kind: Plain}
	}

	rest := value[len(StyleMarker):]
	dec := json.NewDecoder(strings.NewReader(rest))

	var style Style
	if err := dec.Decode(&style); err != nil {
		return fallback(value, fmt.Errorf("%w: %v", errBadStyleJSON, err))
	}
	// The name follows the JSON object directly, so decode exactly one value
	// and look for the marker at the decoder's offset. Splitting on the
	// marker text would break on style values that contain it.
	tail := rest[dec.InputOffset():]
	if !strings.HasPrefix(tail, NameMarker) {
		return fallback(value, errMissingNameMarker)
	}
	if !isObject(rest[:dec.InputOffset()]) {
		return fallback(value, fmt.Errorf("%w: style is not an object", errBadStyleJSON))
	}

	return Result{
		Name:  tail[len(NameMarker):],
		Style: &style,
		Kind:  Styled,
	}
}

// DisplayName returns the human-readable name of a wire value.
func DisplayName(value string) string {
	return Decode(value).Name
}

func isObject(raw string) bool {
	return strings.HasPrefix(strings.TrimSpace(raw), "{")
}

func fallback(value string, err error) Result {
	return Result{Name: value, Kind: FallbackPlain, Err: err}
}

// Codec is Decode with logging of degraded values.
type Codec struct {
	logger zerolog.Logger
}

// NewCodec returns a Codec that reports fallbacks on logger.
func NewCodec(logger zerolog.Logger) *Codec {
	return &Codec{logger: logger.With().Str("component", "styledname").Logger()}
}

// Encode is the package-level Encode.
func (c *Codec) Encode(name string, style Style) string {
	return Encode(name, style)
}

// Decode is the package-level Decode; fallbacks are logged at warn level.
func (c *Codec) Decode(value string) Result {
	res := Decode(value)
	if res.Kind == FallbackPlain {
		c.logger.Warn().Err(res.Err).Str("value", value).Msg("styled name decode fell back to plain")
	}
	return res
}
