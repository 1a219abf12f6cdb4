package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Loader handles loading and initial parsing of the Inventory from a file.
type Loader struct {
	filePath string
}

func NewLoader(filePath string) *Loader {
	return &Loader{
		filePath: filePath,
	}
}

// Load reads the inventory, applies the defaults and validates it.
func (l *Loader) Load() (*Inventory, error) {
	if l.filePath == "" {
		return nil, errors.New("configuration file path is empty")
	}
	content, err := os.ReadFile(l.filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file '%s'", l.filePath)
	}
	if len(content) == 0 {
		return nil, errors.Errorf("configuration file '%s' is empty", l.filePath)
	}
	inv, err := Parse(content)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid config file '%s'", l.filePath)
	}
	return inv, nil
}

// Parse unmarshals and validates an inventory document.
func Parse(content []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(content, &inv); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config YAML")
	}

	if inv.APIVersion == "" {
		return nil, errors.New("apiVersion is a required field")
	}
	if inv.APIVersion != APIVersion {
		return nil, errors.Errorf("unsupported apiVersion '%s', expected '%s'", inv.APIVersion, APIVersion)
	}
	if inv.Kind != InventoryKind {
		return nil, errors.Errorf("kind must be '%s', got '%s'", InventoryKind, inv.Kind)
	}
	if len(inv.Spec.Hosts) == 0 {
		return nil, errors.New("spec.hosts must list at least one host")
	}

	if err := SetDefaults(&inv); err != nil {
		return nil, err
	}
	return &inv, nil
}
