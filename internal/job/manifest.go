package job

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates manifest input and output variants.
type Kind string

// Kind constants
const (
	KindValue     Kind = "value"
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// Manifest is the resolved, immutable description of a job.
// Template substitution and schema validation happen before a manifest reaches the store.
type Manifest struct {
	Image          string            `json:"image"`
	Command        []string          `json:"command,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Workspace      string            `json:"workspace,omitempty"` // container working directory, inputs and outputs are relative to it
	Inputs         []Input           `json:"inputs,omitempty"`
	Outputs        []Output          `json:"outputs,omitempty"`
	Resources      Resources         `json:"resources"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	Retry          *bool             `json:"retry,omitempty"` // nil means retry enabled
	Meta           map[string]string `json:"meta,omitempty"`
}

// RetryEnabled reports whether transient failures may be retried.
func (m *Manifest) RetryEnabled() bool {
	return m.Retry == nil || *m.Retry
}

// Connector describes how to reach the remote side of a transfer.
// Access is passed to the connector executable verbatim; secrets never live here,
// AuthRef names a credential the mediator resolves at staging time.
type Connector struct {
	Command string          `json:"command"`
	Access  map[string]any  `json:"access,omitempty"`
	AuthRef string          `json:"authRef,omitempty"`
	Listing json.RawMessage `json:"listing,omitempty"`
}

// Transfer is a file or directory moved by a connector.
type Transfer struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"` // relative to the manifest workspace
	Connector Connector `json:"connector"`
}

// Input is a manifest input variant.
type Input interface {
	InputName() string
	Kind() Kind
}

// Output is a manifest output variant.
type Output interface {
	OutputName() string
	Kind() Kind
}

// ValueInput is passed to the container as an environment variable.
type ValueInput struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (v *ValueInput) InputName() string { return v.Name }
func (v *ValueInput) Kind() Kind        { return KindValue }

// FileInput is staged into the workspace by a connector before the container starts.
type FileInput struct{ Transfer }

func (f *FileInput) InputName() string { return f.Name }
func (f *FileInput) Kind() Kind        { return KindFile }

// DirectoryInput is a directory staged into the workspace by a connector.
type DirectoryInput struct{ Transfer }

func (d *DirectoryInput) InputName() string { return d.Name }
func (d *DirectoryInput) Kind() Kind        { return KindDirectory }

// FileOutput is collected from the workspace after a successful container run.
type FileOutput struct{ Transfer }

func (f *FileOutput) OutputName() string { return f.Name }
func (f *FileOutput) Kind() Kind         { return KindFile }

// DirectoryOutput is a directory collected from the workspace.
type DirectoryOutput struct{ Transfer }

func (d *DirectoryOutput) OutputName() string { return d.Name }
func (d *DirectoryOutput) Kind() Kind         { return KindDirectory }

// TransferOf returns the connector transfer behind an input or output variant.
func TransferOf(v any) (*Transfer, bool) {
	switch t := v.(type) {
	case *FileInput:
		return &t.Transfer, true
	case *DirectoryInput:
		return &t.Transfer, true
	case *FileOutput:
		return &t.Transfer, true
	case *DirectoryOutput:
		return &t.Transfer, true
	}
	return nil, false
}

// envelope is used for initial JSON unmarshaling to determine the variant.
type envelope struct {
	Type Kind `json:"type"`
}

type manifestJSON struct {
	Image          string            `json:"image"`
	Command        []string          `json:"command,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Workspace      string            `json:"workspace,omitempty"`
	Inputs         []json.RawMessage `json:"inputs,omitempty"`
	Outputs        []json.RawMessage `json:"outputs,omitempty"`
	Resources      Resources         `json:"resources"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	Retry          *bool             `json:"retry,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
}

// UnmarshalJSON decodes inputs and outputs into their concrete variants.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var raw manifestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = Manifest{
		Image:          raw.Image,
		Command:        raw.Command,
		Env:            raw.Env,
		Workspace:      raw.Workspace,
		Resources:      raw.Resources,
		TimeoutSeconds: raw.TimeoutSeconds,
		Retry:          raw.Retry,
		Meta:           raw.Meta,
	}

	for i, r := range raw.Inputs {
		in, err := unmarshalInput(r)
		if err != nil {
			return fmt.Errorf("inputs[%d]: %w", i, err)
		}
		m.Inputs = append(m.Inputs, in)
	}
	for i, r := range raw.Outputs {
		out, err := unmarshalOutput(r)
		if err != nil {
			return fmt.Errorf("outputs[%d]: %w", i, err)
		}
		m.Outputs = append(m.Outputs, out)
	}
	return nil
}

// MarshalJSON encodes inputs and outputs with their type field.
func (m Manifest) MarshalJSON() ([]byte, error) {
	raw := manifestJSON{
		Image:          m.Image,
		Command:        m.Command,
		Env:            m.Env,
		Workspace:      m.Workspace,
		Resources:      m.Resources,
		TimeoutSeconds: m.TimeoutSeconds,
		Retry:          m.Retry,
		Meta:           m.Meta,
	}
	for _, in := range m.Inputs {
		data, err := marshalVariant(in, in.Kind())
		if err != nil {
			return nil, err
		}
		raw.Inputs = append(raw.Inputs, data)
	}
	for _, out := range m.Outputs {
		data, err := marshalVariant(out, out.Kind())
		if err != nil {
			return nil, err
		}
		raw.Outputs = append(raw.Outputs, data)
	}
	return json.Marshal(raw)
}

func unmarshalInput(data []byte) (Input, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to determine input type: %w", err)
	}

	var in Input
	switch env.Type {
	case KindValue:
		in = &ValueInput{}
	case KindFile:
		in = &FileInput{}
	case KindDirectory:
		in = &DirectoryInput{}
	default:
		return nil, fmt.Errorf("unknown input type: %q", env.Type)
	}
	if err := json.Unmarshal(data, in); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s input: %w", env.Type, err)
	}
	return in, nil
}

func unmarshalOutput(data []byte) (Output, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to determine output type: %w", err)
	}

	var out Output
	switch env.Type {
	case KindFile:
		out = &FileOutput{}
	case KindDirectory:
		out = &DirectoryOutput{}
	default:
		return nil, fmt.Errorf("unknown output type: %q", env.Type)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s output: %w", env.Type, err)
	}
	return out, nil
}

// marshalVariant marshals v with its type field injected.
func marshalVariant(v any, kind Kind) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m["type"] = kind
	return json.Marshal(m)
}
