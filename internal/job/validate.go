package job

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"agency/internal/apperrors"
)

// Validation limits
const (
	maxJobIDLength  = 128
	maxMemoryMB     = 1 << 20 // 1 TB
	maxCPUMillis    = 256_000
	maxGPUs         = 16
	maxTimeoutSecs  = 7 * 86400
	maxMetaKeyLen   = 64
	maxMetaValueLen = 256
	maxMetaEntries  = 32
	maxTransfers    = 256
	maxAttempts     = 20
)

// Defaults applied to manifests that leave fields unset.
const (
	DefaultTimeoutSeconds = 1800
	DefaultMemoryMB       = 512
	DefaultWorkspace      = "/workspace"
	DefaultMaxAttempts    = 3
)

// idPattern allows alphanumeric, hyphens, and underscores
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// envNamePattern is what value inputs may be named, since they become environment variables.
var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateID checks a job or batch identifier.
func ValidateID(field, id string) error {
	if id == "" {
		return apperrors.Validation(field, field+" is required")
	}
	if len(id) > maxJobIDLength {
		return apperrors.Validation(field, fmt.Sprintf("%s exceeds maximum length of %d", field, maxJobIDLength))
	}
	if !idPattern.MatchString(id) {
		return apperrors.Validation(field, field+" must be alphanumeric (hyphens and underscores allowed, cannot start with hyphen/underscore)")
	}
	return nil
}

// ValidateMaxAttempts checks a retry budget.
func ValidateMaxAttempts(n int) error {
	if n < 1 || n > maxAttempts {
		return apperrors.Validation("maxAttempts", fmt.Sprintf("maxAttempts must be between 1 and %d", maxAttempts))
	}
	return nil
}

// ApplyDefaults sets default values for unspecified manifest fields.
func (m *Manifest) ApplyDefaults() {
	if m.TimeoutSeconds <= 0 {
		m.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if m.Resources.MemoryMB <= 0 {
		m.Resources.MemoryMB = DefaultMemoryMB
	}
	if m.Workspace == "" {
		m.Workspace = DefaultWorkspace
	}
}

// Validate checks a manifest. Does not modify it.
func (m *Manifest) Validate() error {
	if m.Image == "" {
		return apperrors.Validation("image", "image is required")
	}
	if m.TimeoutSeconds > maxTimeoutSecs {
		return apperrors.Validation("timeoutSeconds", fmt.Sprintf("timeout exceeds maximum of %d seconds", maxTimeoutSecs))
	}
	if m.Workspace != "" && !path.IsAbs(m.Workspace) {
		return apperrors.Validation("workspace", "workspace must be an absolute container path")
	}

	r := m.Resources
	if r.MemoryMB < 0 || r.CPUMillis < 0 || r.GPUs < 0 {
		return apperrors.Validation("resources", "resources must not be negative")
	}
	if r.MemoryMB > maxMemoryMB {
		return apperrors.Validation("resources.memoryMb", fmt.Sprintf("memory exceeds maximum of %d MB", maxMemoryMB))
	}
	if r.CPUMillis > maxCPUMillis {
		return apperrors.Validation("resources.cpuMillis", fmt.Sprintf("CPU exceeds maximum of %d millicores", maxCPUMillis))
	}
	if r.GPUs > maxGPUs {
		return apperrors.Validation("resources.gpus", fmt.Sprintf("GPUs exceed maximum of %d", maxGPUs))
	}

	if len(m.Meta) > maxMetaEntries {
		return apperrors.Validation("meta", fmt.Sprintf("metadata exceeds maximum of %d entries", maxMetaEntries))
	}
	for k, v := range m.Meta {
		if len(k) > maxMetaKeyLen {
			return apperrors.Validation("meta", fmt.Sprintf("metadata key exceeds maximum length of %d", maxMetaKeyLen))
		}
		if len(v) > maxMetaValueLen {
			return apperrors.Validation("meta", fmt.Sprintf("metadata value exceeds maximum length of %d", maxMetaValueLen))
		}
	}

	if len(m.Inputs)+len(m.Outputs) > maxTransfers {
		return apperrors.Validation("inputs", fmt.Sprintf("inputs and outputs exceed maximum of %d", maxTransfers))
	}

	names := make(map[string]bool)
	for i, in := range m.Inputs {
		field := fmt.Sprintf("inputs[%d]", i)
		if in == nil {
			return apperrors.Validation(field, field+": input is empty")
		}
		if err := checkName(field, in.InputName(), names); err != nil {
			return err
		}
		if v, ok := in.(*ValueInput); ok {
			if !envNamePattern.MatchString(v.Name) {
				return apperrors.Validation(field+".name", field+": value input name must be a valid environment variable name")
			}
			continue
		}
		t, _ := TransferOf(in)
		if err := validateTransfer(field, t); err != nil {
			return err
		}
	}

	names = make(map[string]bool)
	for i, out := range m.Outputs {
		field := fmt.Sprintf("outputs[%d]", i)
		if out == nil {
			return apperrors.Validation(field, field+": output is empty")
		}
		if err := checkName(field, out.OutputName(), names); err != nil {
			return err
		}
		t, _ := TransferOf(out)
		if err := validateTransfer(field, t); err != nil {
			return err
		}
	}

	return nil
}

func checkName(field, name string, seen map[string]bool) error {
	if name == "" {
		return apperrors.Validation(field+".name", field+": name is required")
	}
	if seen[name] {
		return apperrors.Validation(field+".name", fmt.Sprintf("%s: duplicate name %q", field, name))
	}
	seen[name] = true
	return nil
}

func validateTransfer(field string, t *Transfer) error {
	if t == nil {
		return apperrors.Validation(field, field+": unsupported variant")
	}
	if t.Path == "" {
		return apperrors.Validation(field+".path", field+": path is required")
	}
	if err := validatePath(t.Path); err != nil {
		return apperrors.Validation(field+".path", fmt.Sprintf("%s: invalid path: %v", field, err))
	}
	if t.Connector.Command == "" {
		return apperrors.Validation(field+".connector.command", field+": connector command is required")
	}
	return nil
}

// validatePath requires a workspace-relative path without traversal.
func validatePath(p string) error {
	if path.IsAbs(p) {
		return fmt.Errorf("path must be relative, not absolute")
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed")
		}
	}
	if path.Clean(p) == "." {
		return fmt.Errorf("path must name a file or directory")
	}
	return nil
}
