package processor

import (
	"errors"
	"reflect"
	"testing"

	"github.com/andrej220/fleetrun/pkg/models"
)

func TestTrimProcessor(t *testing.T) {
	p := &TrimProcessor{}
	input := []string{"  hello    ", " world "}
	expected := []string{"hello", "world"}
	result, err := p.Process(input)
	if err != nil {
		t.Fatalf("TrimProcessor failed: %v", err)
	}
	if !reflect.DeepEqual(result, expected) {
		t.Errorf("TrimProcessor: got %v, want %v", result, expected)
	}
}

func TestKeyValueProcessor(t *testing.T) {
	p := &KeyValueProcessor{}
	input := []string{" key2: value2 ", " key1: value1 ", "no colon here"}
	expected := []string{"key1: value1", "key2: value2"}
	result, err := p.Process(input)
	if err != nil {
		t.Fatalf("KeyValueProcessor failed: %v", err)
	}
	if !reflect.DeepEqual(result, expected) {
		t.Errorf("KeyValueProcessor: got %v, want %v", result, expected)
	}
}

func TestKeyValueProcessorEmptyKey(t *testing.T) {
	if _, err := (&KeyValueProcessor{}).Process([]string{": orphan"}); err == nil {
		t.Error("expected an error for an empty key")
	}
}

func TestKeyValueJSONProcessor(t *testing.T) {
	p := &KeyValueJSONProcessor{}
	if p.Name() != ProcessorJSONTypeKeyValue {
		t.Fatalf("unexpected name %q", p.Name())
	}
	result, err := p.Process([]string{"os: Ubuntu 22.04", "kernel: 6.1"})
	if err != nil {
		t.Fatalf("KeyValueJSONProcessor failed: %v", err)
	}
	expected := []string{`{"kernel":"6.1","os":"Ubuntu 22.04"}`}
	if !reflect.DeepEqual(result, expected) {
		t.Errorf("KeyValueJSONProcessor: got %v, want %v", result, expected)
	}
}

func TestProcessorChain(t *testing.T) {
	pc := NewProcessorChain()
	input := []string{"key1: value1 ", "key2: value2 "}
	expected := []string{"key1: value1", "key2: value2"}
	result, err := pc.Process(input, ProcessorTypeTrim, ProcessorTypeKeyValue)
	if err != nil {
		t.Fatalf("ProcessorChain failed: %v", err)
	}
	if !reflect.DeepEqual(result, expected) {
		t.Errorf("ProcessorChain: got %v, want %v", result, expected)
	}
}

func TestProcessorChainEdgeCases(t *testing.T) {
	pc := NewProcessorChain()
	tests := []struct {
		name     string
		input    []string
		names    []string
		expected []string
	}{
		{
			name:     "single string with newlines",
			input:    []string{"  key1: value1\n    key2: value2  "},
			names:    []string{ProcessorTypeTrim, ProcessorTypeKeyValue},
			expected: []string{"key1: value1", "key2: value2"},
		},
		{
			name:     "empty input",
			input:    []string{},
			names:    []string{ProcessorTypeTrim},
			expected: []string{},
		},
		{
			name:     "split then drop empty",
			input:    []string{"a\r\n\r\nb\n", "  "},
			names:    []string{ProcessorTypeSplitLines, ProcessorTypeDropEmpty},
			expected: []string{"a", "b"},
		},
		{
			name:     "fields",
			input:    []string{"eth0  UP   10.0.0.1/24"},
			names:    []string{ProcessorTypeFields},
			expected: []string{"eth0", "UP", "10.0.0.1/24"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := pc.Process(tt.input, tt.names...)
			if err != nil {
				t.Fatalf("ProcessorChain failed: %v", err)
			}
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("ProcessorChain: got %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestProcessorChainUnknown(t *testing.T) {
	if _, err := NewProcessorChain().Process([]string{"x"}, "uppercase"); err == nil {
		t.Error("expected an error for an unregistered processor")
	}
}

func TestApplyToOutcome(t *testing.T) {
	pc := NewProcessorChain()
	tgt := models.NewTarget("root", "pw", "10.0.0.1", 22)

	o := models.Succeeded(1, tgt, "  up 3 days  \n\n")
	o.Outputs = []string{" a \n", "\n b"}
	got, err := pc.ApplyToOutcome(o, ParseNames("trim, drop_empty")...)
	if err != nil {
		t.Fatalf("ApplyToOutcome failed: %v", err)
	}
	if got.Output != "up 3 days" {
		t.Errorf("Output: got %q", got.Output)
	}
	if !reflect.DeepEqual(got.Outputs, []string{"a", "b"}) {
		t.Errorf("Outputs: got %q", got.Outputs)
	}
	if o.Outputs[0] != " a \n" {
		t.Error("the original outcome was modified")
	}

	failed := models.Failed(2, tgt, errors.New("  boom  "))
	got, err = pc.ApplyToOutcome(failed, ProcessorTypeTrim)
	if err != nil || got.Error != "  boom  " {
		t.Errorf("failure outcome changed: %+v, %v", got, err)
	}
}

func TestParseNames(t *testing.T) {
	if got := ParseNames(" trim,,key_value "); !reflect.DeepEqual(got, []string{"trim", "key_value"}) {
		t.Errorf("ParseNames: got %v", got)
	}
	if got := ParseNames(""); got != nil {
		t.Errorf("ParseNames: got %v, want nil", got)
	}
}
