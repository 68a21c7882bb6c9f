package modification

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-devicetools/internal/registry"
)

// Declaration is the input for a new modification.
//
// Device and entity declarations set TargetID and Overlay. Merge
// declarations set MemberIDs and either PrimaryID (an existing device) or
// PrimaryName (a device created for the merge).
type Declaration struct {
	Name     string              `yaml:"name" json:"name,omitempty"`
	Kind     Kind                `yaml:"type" json:"type"`
	TargetID string              `yaml:"target_id,omitempty" json:"target_id,omitempty"`
	Overlay  registry.Attributes `yaml:"overlay,omitempty" json:"overlay,omitempty"`

	PrimaryID   string              `yaml:"primary_id,omitempty" json:"primary_id,omitempty"`
	PrimaryName string              `yaml:"primary_name,omitempty" json:"primary_name,omitempty"`
	MemberIDs   []string            `yaml:"member_ids,omitempty" json:"member_ids,omitempty"`
	Options     *DeclarationOptions `yaml:"options,omitempty" json:"options,omitempty"`
}

// DeclarationOptions are optional merge settings.
type DeclarationOptions struct {
	// DisableMembers overrides the manager default when set.
	DisableMembers *bool `yaml:"disable_members,omitempty" json:"disable_members,omitempty"`
}

// Validate checks the shape of d without consulting the registry.
func (d *Declaration) Validate() error {
	switch d.Kind {
	case KindDevice, KindEntity:
		if d.TargetID == "" {
			return fmt.Errorf("%w: %s declaration needs target_id", ErrInvalidDeclaration, d.Kind)
		}
		if d.PrimaryID != "" || d.PrimaryName != "" || len(d.MemberIDs) > 0 {
			return fmt.Errorf("%w: %s declaration cannot set merge fields", ErrInvalidDeclaration, d.Kind)
		}
		return validateOverlay(d.Kind, d.Overlay)

	case KindMerge:
		if len(d.Overlay) > 0 || d.TargetID != "" {
			return fmt.Errorf("%w: merge declaration cannot set target_id or overlay", ErrInvalidDeclaration)
		}
		if (d.PrimaryID == "") == (d.PrimaryName == "") {
			return fmt.Errorf("%w: merge declaration needs exactly one of primary_id or primary_name", ErrInvalidDeclaration)
		}
		if len(d.MemberIDs) == 0 {
			return fmt.Errorf("%w: merge declaration lists no members", ErrInsufficientMembers)
		}
		if d.PrimaryID != "" && slices.Contains(d.MemberIDs, d.PrimaryID) {
			return fmt.Errorf("%w: primary %s is also listed as a member", ErrInvalidDeclaration, d.PrimaryID)
		}
		if slices.Contains(d.MemberIDs, "") {
			return fmt.Errorf("%w: empty member id", ErrInvalidDeclaration)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidDeclaration, d.Kind)
	}
}

// disableMembers resolves the effective disable-members setting.
func (d *Declaration) disableMembers(def bool) bool {
	if d.Options != nil && d.Options.DisableMembers != nil {
		return *d.Options.DisableMembers
	}
	return def
}

// members returns MemberIDs without duplicates, order preserved.
func (d *Declaration) members() []string {
	var out []string
	for _, id := range d.MemberIDs {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// declarationsFile is the on-disk shape of a declarations file.
type declarationsFile struct {
	Modifications []Declaration `yaml:"modifications"`
}

// LoadDeclarations reads and validates a YAML declarations file.
//
// Every declaration in a file must have a unique, non-empty name; the name
// is how a restart recognises a declaration that is already active.
func LoadDeclarations(path string) ([]Declaration, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config
	if err != nil {
		return nil, fmt.Errorf("reading declarations file: %w", err)
	}
	return ParseDeclarations(data)
}

// ParseDeclarations parses and validates declarations YAML.
func ParseDeclarations(data []byte) ([]Declaration, error) {
	var file declarationsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parsing declarations: %v", ErrInvalidDeclaration, err)
	}

	var errs []error
	seen := make(map[string]bool, len(file.Modifications))
	for i := range file.Modifications {
		d := &file.Modifications[i]
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("modifications[%d]: %w: name is required", i, ErrInvalidDeclaration))
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("modifications[%d]: %w: duplicate name %q", i, ErrInvalidDeclaration, d.Name))
			continue
		}
		seen[d.Name] = true
		if err := d.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("modifications[%d] (%s): %w", i, d.Name, err))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return file.Modifications, nil
}
