package config

import (
	"time"
)

const (
	APIVersion    = "xmexec/v1"
	InventoryKind = "Inventory"
)

// Inventory is the top-level configuration structure: the remote hosts
// commands can be executed on.
type Inventory struct {
	APIVersion string        `yaml:"apiVersion"`
	Kind       string        `yaml:"kind"`
	Metadata   MetadataSpec  `yaml:"metadata"`
	Spec       InventorySpec `yaml:"spec"`
}

type MetadataSpec struct {
	Name string `yaml:"name"`
}

type InventorySpec struct {
	// Defaults fill the connection fields a host leaves empty.
	Defaults HostDefaults `yaml:"defaults,omitempty"`
	Hosts    []HostSpec   `yaml:"hosts"`
}

type HostDefaults struct {
	User           string        `yaml:"user,omitempty"`
	Port           int           `yaml:"port,omitempty"`
	PrivateKeyPath string        `yaml:"privateKeyPath,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	KnownHostsFile string        `yaml:"knownHostsFile,omitempty"`
	Bastion        *BastionSpec  `yaml:"bastion,omitempty"`
}

// HostSpec defines the configuration for a single host.
type HostSpec struct {
	Name           string        `yaml:"name"`
	Address        string        `yaml:"address"`
	Port           int           `yaml:"port,omitempty"`
	User           string        `yaml:"user,omitempty"`
	Password       string        `yaml:"password,omitempty"`
	PrivateKeyPath string        `yaml:"privateKeyPath,omitempty"`
	AgentSocket    string        `yaml:"agentSocket,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	KnownHostsFile string        `yaml:"knownHostsFile,omitempty"`
	Bastion        *BastionSpec  `yaml:"bastion,omitempty"`
	// DataDir is the directory files are synchronised to. Empty means a
	// temporary directory created on first use.
	DataDir string `yaml:"dataDir,omitempty"`
}

type BastionSpec struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port,omitempty"`
	User    string `yaml:"user,omitempty"`
}
