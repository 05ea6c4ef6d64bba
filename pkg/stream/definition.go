// Package stream declares the Zammad record types and turns API responses
// into pagination records.
package stream

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/Sternrassler/zammad-extract/pkg/pagination"
)

var (
	// ErrMissingParentContext is returned when a dependent record type is
	// requested without the parent identifiers its path needs.
	ErrMissingParentContext = errors.New("missing parent context")

	// ErrUnknownStream is returned for names not present in the catalog.
	ErrUnknownStream = errors.New("unknown stream")
)

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// Context carries parent identifiers into a dependent record type.
type Context map[string]any

// ParseFunc turns a response body into records and the reported count.
type ParseFunc func(def *Definition, body []byte) ([]pagination.Record, int, error)

// ContextFunc builds the context handed to child streams for a parent record.
type ContextFunc func(rec pagination.Record) (Context, error)

// Definition describes one record type. All settings are plain values so a
// record type can be copied and adjusted per run.
type Definition struct {
	Name string

	// Path is the request path. Placeholders such as {ticket_id} are filled
	// from the parent context; it may carry a fixed query string.
	Path string

	PrimaryKey     string
	ReplicationKey string

	Mode     pagination.Mode
	PageSize int

	// RecordsPath is the gjson path of the record list. Empty means the
	// body itself is the list.
	RecordsPath string

	// OrderPath is the gjson path of an id list giving the result order when
	// RecordsPath points at an object keyed by id.
	OrderPath string

	// CountPath is the gjson path of the reported result count. Empty means
	// the number of parsed records.
	CountPath string

	// Parent names the record type this one depends on.
	Parent string

	// ChildContext builds the context for dependent record types.
	ChildContext ContextFunc

	// Parse overrides the default response parser.
	Parse ParseFunc
}

// Options returns the pagination options of the record type.
func (d *Definition) Options() pagination.Options {
	return pagination.Options{
		Mode:           d.Mode,
		PageSize:       d.PageSize,
		ReplicationKey: d.ReplicationKey,
	}
}

// Validate checks the definition for consistency.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("stream name is required")
	}
	if d.Path == "" {
		return fmt.Errorf("stream %s: path is required", d.Name)
	}
	if d.PrimaryKey == "" && d.Parse == nil {
		return fmt.Errorf("stream %s: primary key is required", d.Name)
	}
	if err := d.Options().Validate(); err != nil {
		return fmt.Errorf("stream %s: %w", d.Name, err)
	}
	if d.Parent == "" && len(d.placeholders()) > 0 {
		return fmt.Errorf("stream %s: path %q needs a parent stream", d.Name, d.Path)
	}
	return nil
}

// IsChild reports whether the record type depends on a parent.
func (d *Definition) IsChild() bool {
	return d.Parent != ""
}

func (d *Definition) placeholders() []string {
	matches := placeholderPattern.FindAllStringSubmatch(d.Path, -1)
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		keys = append(keys, m[1])
	}
	return keys
}

// Endpoint renders the request path with ctx. A dependent record type fails
// with ErrMissingParentContext when ctx lacks a required key.
func (d *Definition) Endpoint(ctx Context) (string, error) {
	if d.IsChild() && len(ctx) == 0 {
		return "", fmt.Errorf("%w: stream %s requires a %s record", ErrMissingParentContext, d.Name, d.Parent)
	}

	var missing []string
	path := placeholderPattern.ReplaceAllStringFunc(d.Path, func(ph string) string {
		key := strings.Trim(ph, "{}")
		v, ok := ctx[key]
		if !ok || v == nil {
			missing = append(missing, key)
			return ph
		}
		return url.QueryEscape(fmt.Sprint(v))
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: stream %s needs %s", ErrMissingParentContext, d.Name, strings.Join(missing, ", "))
	}
	return path, nil
}

// ParseResponse parses a response body with the record type's parser.
func (d *Definition) ParseResponse(body []byte) ([]pagination.Record, int, error) {
	if d.Parse != nil {
		return d.Parse(d, body)
	}
	return ParseRecords(d, body)
}

// WithPageSize returns a copy using the given page size.
func (d Definition) WithPageSize(size int) Definition {
	d.PageSize = size
	return d
}
