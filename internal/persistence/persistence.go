// Package persistence writes batch reports and other documents to disk,
// with the serialization format chosen by the caller.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/andrej220/fleetrun/pkg/models"
)

type Options struct {
	Overwrite bool
	Prefix    string
	Indent    string
}

var DefaultOptions = Options{Overwrite: true, Prefix: "", Indent: "    "}

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

type YAMLSerializer struct{}

func (YAMLSerializer) Marshal(data any) ([]byte, error) {
	// yaml has no notion of MarshalJSON; go through JSON so custom
	// renderings (e.g. a target without its password) survive.
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

type FileWriter struct {
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) && !w.Overwrite {
		return os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

// WriteToFile serializes data with serializer and hands the bytes to writer.
func WriteToFile(data any, filename string, serializer Serializer, writer Writer) error {
	if filename == "" {
		return fmt.Errorf("write: %w: empty filename", os.ErrInvalid)
	}
	bytes, err := serializer.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize data: %w", err)
	}
	if err := writer.Write(filename, bytes); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// WriteJSON writes data as indented JSON, replacing any existing file.
func WriteJSON(data any, filename string, opts ...Options) error {
	opt := DefaultOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	return WriteToFile(data, filename,
		JSONSerializer{Prefix: opt.Prefix, Indent: opt.Indent},
		FileWriter{Overwrite: opt.Overwrite})
}

// SerializerFor picks YAML for .yaml/.yml files and JSON otherwise.
func SerializerFor(filename string) Serializer {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return YAMLSerializer{}
	default:
		return JSONSerializer{Prefix: DefaultOptions.Prefix, Indent: DefaultOptions.Indent}
	}
}

// SaveReport writes report to path. A path naming an existing directory
// receives <batch id>.json inside it.
func SaveReport(report *models.Report, path string) (string, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, report.BatchID.String()+".json")
	}
	if err := WriteToFile(report, path, SerializerFor(path), FileWriter{Overwrite: true}); err != nil {
		return "", err
	}
	return path, nil
}
