package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Formatter renders command results.
type Formatter interface {
	Format(data any) string
}

// tabular is implemented by results whose columns are only known at run time.
type tabular interface {
	TableHeader() []string
	TableRows() [][]string
}

var formats = []string{"table", "json", "yaml"}

// NewFormatter returns a Formatter for "table", "json" or "yaml".
func NewFormatter(format string) (Formatter, error) {
	switch strings.ToLower(format) {
	case "", "table":
		return &TableFormatter{}, nil
	case "json":
		return &JSONFormatter{}, nil
	case "yaml":
		return &YAMLFormatter{}, nil
	}
	return nil, fmt.Errorf("unknown output format %q (want one of %s)", format, strings.Join(formats, ", "))
}

// TableFormatter formats data as aligned text tables using tabwriter.
type TableFormatter struct{}

func (f *TableFormatter) Format(data any) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)

	if t, ok := data.(tabular); ok {
		fmt.Fprintln(w, strings.Join(t.TableHeader(), "\t"))
		for _, row := range t.TableRows() {
			fmt.Fprintln(w, strings.Join(row, "\t"))
		}
		w.Flush()
		return buf.String()
	}

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice:
		if v.Len() == 0 {
			return "Nothing to show.\n"
		}
		elem := v.Index(0)
		if elem.Kind() == reflect.Ptr {
			elem = elem.Elem()
		}
		if elem.Kind() != reflect.Struct {
			for i := 0; i < v.Len(); i++ {
				fmt.Fprintln(w, v.Index(i).Interface())
			}
			break
		}
		t := elem.Type()
		headers := make([]string, t.NumField())
		for i := range headers {
			headers[i] = strings.ToUpper(t.Field(i).Name)
		}
		fmt.Fprintln(w, strings.Join(headers, "\t"))
		for i := 0; i < v.Len(); i++ {
			row := v.Index(i)
			if row.Kind() == reflect.Ptr {
				row = row.Elem()
			}
			vals := make([]string, row.NumField())
			for j := range vals {
				vals[j] = fmt.Sprintf("%v", row.Field(j).Interface())
			}
			fmt.Fprintln(w, strings.Join(vals, "\t"))
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			fmt.Fprintf(w, "%s:\t%v\n", t.Field(i).Name, v.Field(i).Interface())
		}
	default:
		fmt.Fprintln(w, data)
	}

	w.Flush()
	return buf.String()
}

// JSONFormatter formats data as indented JSON.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(data any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("error formatting JSON: %v\n", err)
	}
	return string(b) + "\n"
}

// YAMLFormatter formats data as YAML.
type YAMLFormatter struct{}

func (f *YAMLFormatter) Format(data any) string {
	b, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Sprintf("error formatting YAML: %v\n", err)
	}
	return string(b)
}
