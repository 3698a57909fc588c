// Package output renders command results as text, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Formatter writes one result to w.
type Formatter interface {
	Write(w io.Writer, v any) error
}

// Texter is implemented by results with their own plain-text rendering.
type Texter interface {
	Text() string
}

// For returns the formatter named format. The empty name selects Text.
func For(format string) (Formatter, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return Text{}, nil
	case "json":
		return JSON{}, nil
	case "yaml":
		return YAML{}, nil
	}
	return nil, errors.Errorf("unknown output format %q", format)
}

// Text prints a Texter as is and a struct as one "Field: value" line per
// exported field.
type Text struct{}

func (Text) Write(w io.Writer, v any) error {
	if t, ok := v.(Texter); ok {
		_, err := fmt.Fprintln(w, t.Text())
		return err
	}

	rv := reflect.Indirect(reflect.ValueOf(v))
	if rv.Kind() != reflect.Struct {
		_, err := fmt.Fprintln(w, v)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, f := range reflect.VisibleFields(rv.Type()) {
		if f.IsExported() && !f.Anonymous {
			fmt.Fprintf(tw, "%s:\t%v\n", f.Name, rv.FieldByIndex(f.Index).Interface())
		}
	}
	return tw.Flush()
}

// JSON prints indented JSON.
type JSON struct{}

func (JSON) Write(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "encode json")
}

// YAML prints a YAML document using the yaml struct tags.
type YAML struct{}

func (YAML) Write(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "encode yaml")
	}
	return errors.Wrap(enc.Close(), "encode yaml")
}
