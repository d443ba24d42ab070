// Package processor post-processes command output with configurable
// processor chains.
package processor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/andrej220/fleetrun/pkg/models"
)

const (
	ProcessorTypeTrim         string = "trim"
	ProcessorTypeKeyValue     string = "key_value"
	ProcessorJSONTypeKeyValue string = "key_value_json"
	ProcessorTypeSplitLines   string = "split_lines"
	ProcessorTypeFields       string = "fields"
	ProcessorTypeDropEmpty    string = "drop_empty"
)

// Processor transforms the lines of one output.
type Processor interface {
	Process([]string) ([]string, error)
	Name() string
}

// ProcessorChain holds the registered processors and applies them by name.
type ProcessorChain struct {
	processors map[string]Processor
}

func NewProcessorChain() *ProcessorChain {
	pc := &ProcessorChain{
		processors: make(map[string]Processor),
	}
	pc.registerDefaults()
	return pc
}

func (pc *ProcessorChain) registerDefaults() {
	pc.Register(&TrimProcessor{})
	pc.Register(&SplitLinesProcessor{})
	pc.Register(&FieldsProcessor{})
	pc.Register(&DropEmptyProcessor{})
	pc.Register(&KeyValueProcessor{})
	pc.Register(&KeyValueJSONProcessor{})
}

func (pc *ProcessorChain) Register(p Processor) {
	pc.processors[p.Name()] = p
}

// Validate checks every name is registered.
func (pc *ProcessorChain) Validate(names ...string) error {
	for _, name := range names {
		if _, exists := pc.processors[name]; !exists {
			return fmt.Errorf("processor %q not registered", name)
		}
	}
	return nil
}

// Process applies the named processors to lines in order.
func (pc *ProcessorChain) Process(lines []string, names ...string) ([]string, error) {
	if err := pc.Validate(names...); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return lines, nil
	}
	result := lines
	for _, name := range names {
		var err error
		result, err = pc.processors[name].Process(result)
		if err != nil {
			return nil, fmt.Errorf("%s processor failed: %w", name, err)
		}
	}
	return result, nil
}

// ProcessText runs the chain over the lines of text and joins the result.
func (pc *ProcessorChain) ProcessText(text string, names ...string) (string, error) {
	if len(names) == 0 || text == "" {
		return text, nil
	}
	lines, err := pc.Process(splitLines(text), names...)
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

// ApplyToOutcome post-processes the outputs of a successful outcome.
// Failures are returned untouched.
func (pc *ProcessorChain) ApplyToOutcome(o models.Outcome, names ...string) (models.Outcome, error) {
	if len(names) == 0 || !o.Succeeded() {
		return o, nil
	}
	out, err := pc.ProcessText(o.Output, names...)
	if err != nil {
		return o, err
	}
	o.Output = out
	if len(o.Outputs) > 0 {
		outputs := make([]string, len(o.Outputs))
		for i, text := range o.Outputs {
			if outputs[i], err = pc.ProcessText(text, names...); err != nil {
				return o, err
			}
		}
		o.Outputs = outputs
	}
	return o, nil
}

// ParseNames splits a comma separated processor list.
func ParseNames(list string) []string {
	var names []string
	for _, n := range strings.Split(list, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}

func splitLines(text string) []string {
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}

// TrimProcessor trims whitespace from each line in the input.
type TrimProcessor struct{}

func (p *TrimProcessor) Name() string { return ProcessorTypeTrim }
func (p *TrimProcessor) Process(lines []string) ([]string, error) {
	trimmed := make([]string, len(lines))
	for i, line := range lines {
		trimmed[i] = strings.TrimSpace(line)
	}
	return trimmed, nil
}

// SplitLinesProcessor breaks lines holding embedded newlines apart.
type SplitLinesProcessor struct{}

func (p *SplitLinesProcessor) Name() string { return ProcessorTypeSplitLines }
func (p *SplitLinesProcessor) Process(lines []string) ([]string, error) {
	result := make([]string, 0, len(lines))
	for _, line := range lines {
		result = append(result, splitLines(line)...)
	}
	return result, nil
}

// FieldsProcessor splits each line into whitespace separated fields.
type FieldsProcessor struct{}

func (p *FieldsProcessor) Name() string { return ProcessorTypeFields }
func (p *FieldsProcessor) Process(lines []string) ([]string, error) {
	result := make([]string, 0, len(lines)*3)
	for _, line := range lines {
		result = append(result, strings.Fields(line)...)
	}
	return result, nil
}

type DropEmptyProcessor struct{}

func (p *DropEmptyProcessor) Name() string { return ProcessorTypeDropEmpty }
func (p *DropEmptyProcessor) Process(lines []string) ([]string, error) {
	result := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			result = append(result, line)
		}
	}
	return result, nil
}

func parseKeyValueLines(lines []string) (map[string]string, error) {
	kv := make(map[string]string)

	// a single string with embedded newlines
	if len(lines) == 1 {
		inputLines := strings.Split(strings.TrimSpace(lines[0]), "\n")
		if len(inputLines) > 1 {
			lines = inputLines
		}
	}

	for _, line := range lines {
		parts := strings.SplitN(strings.TrimSpace(line), ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			return nil, fmt.Errorf("empty key in line: %q", line)
		}
		kv[key] = value
	}
	return kv, nil
}

func sortedKeys(kv map[string]string) []string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KeyValueProcessor normalizes "key: value" lines, sorted by key. Lines
// without a colon are dropped.
type KeyValueProcessor struct{}

func (p *KeyValueProcessor) Name() string { return ProcessorTypeKeyValue }

func (p *KeyValueProcessor) Process(lines []string) ([]string, error) {
	kv, err := parseKeyValueLines(lines)
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, len(kv))
	for _, k := range sortedKeys(kv) {
		result = append(result, fmt.Sprintf("%s: %s", k, kv[k]))
	}
	return result, nil
}

// KeyValueJSONProcessor folds "key: value" lines into one JSON object.
type KeyValueJSONProcessor struct{}

func (p *KeyValueJSONProcessor) Name() string { return ProcessorJSONTypeKeyValue }

func (p *KeyValueJSONProcessor) Process(lines []string) ([]string, error) {
	kv, err := parseKeyValueLines(lines)
	if err != nil {
		return nil, err
	}
	result, err := json.Marshal(kv)
	if err != nil {
		return nil, fmt.Errorf("key_value marshal error: %w", err)
	}
	return []string{string(result)}, nil
}
