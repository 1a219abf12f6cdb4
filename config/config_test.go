package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mensylisir/xmexec/util"
)

const validInventory = `
apiVersion: xmexec/v1
kind: Inventory
metadata:
  name: lab
spec:
  defaults:
    user: tester
    port: 2222
    timeout: 10s
    privateKeyPath: ~/.ssh/id_ed25519
    bastion:
      address: jump.example.com
  hosts:
    - name: dut
      address: 10.0.0.1
    - address: 10.0.0.2
      user: root
      port: 22
      password: secret
      dataDir: /var/tmp/xmexec
      bastion:
        address: other-jump.example.com
        port: 2200
        user: hop
`

func writeInventory(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoader_Load(t *testing.T) {
	inv, err := NewLoader(writeInventory(t, validInventory)).Load()
	require.NoError(t, err)
	require.Len(t, inv.Spec.Hosts, 2)
	home, err := util.Home()
	require.NoError(t, err)

	dut, ok := inv.Host("dut")
	require.True(t, ok)
	assert.Equal(t, "tester", dut.User)
	assert.Equal(t, 2222, dut.Port)
	assert.Equal(t, 10*time.Second, dut.Timeout)
	assert.Equal(t, filepath.Join(home, ".ssh", "id_ed25519"), dut.PrivateKeyPath)
	require.NotNil(t, dut.Bastion)
	assert.Equal(t, "jump.example.com", dut.Bastion.Address)

	second, ok := inv.Host("10.0.0.2")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2", second.Name, "an unnamed host is named after its address")
	assert.Equal(t, "root", second.User)
	assert.Equal(t, 22, second.Port)
	assert.Equal(t, "/var/tmp/xmexec", second.DataDir)
	assert.Equal(t, "other-jump.example.com", second.Bastion.Address)

	_, ok = inv.Host("missing")
	assert.False(t, ok)
}

func TestHostSpec_ConnectorConfig(t *testing.T) {
	inv, err := Parse([]byte(validInventory))
	require.NoError(t, err)
	second, _ := inv.Host("10.0.0.2")

	cfg := second.ConnectorConfig()
	assert.Equal(t, "root", cfg.Username)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "10.0.0.2", cfg.Address)
	assert.Equal(t, 22, cfg.Port)
	assert.Equal(t, "other-jump.example.com", cfg.Bastion)
	assert.Equal(t, 2200, cfg.BastionPort)
	assert.Equal(t, "hop", cfg.BastionUser)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
}

func TestDefaults_WithoutInventoryDefaults(t *testing.T) {
	inv, err := Parse([]byte(`
apiVersion: xmexec/v1
kind: Inventory
spec:
  hosts:
    - address: 192.168.1.10
`))
	require.NoError(t, err)
	h := inv.Spec.Hosts[0]
	assert.Equal(t, "root", h.User)
	assert.Equal(t, 22, h.Port)
	assert.Nil(t, h.Bastion)
	assert.Empty(t, h.PrivateKeyPath)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"not yaml", "apiVersion: [", "unmarshal"},
		{"missing apiVersion", "kind: Inventory\nspec:\n  hosts:\n    - address: a\n", "apiVersion is a required field"},
		{"wrong apiVersion", "apiVersion: v2\nkind: Inventory\nspec:\n  hosts:\n    - address: a\n", "unsupported apiVersion"},
		{"wrong kind", "apiVersion: xmexec/v1\nkind: Cluster\nspec:\n  hosts:\n    - address: a\n", "kind must be"},
		{"no hosts", "apiVersion: xmexec/v1\nkind: Inventory\nspec:\n  hosts: []\n", "at least one host"},
		{"host without address", "apiVersion: xmexec/v1\nkind: Inventory\nspec:\n  hosts:\n    - name: a\n", "has no address"},
		{"duplicate names", "apiVersion: xmexec/v1\nkind: Inventory\nspec:\n  hosts:\n    - address: a\n    - name: a\n      address: b\n", "duplicate host name"},
		{"bad duration", "apiVersion: xmexec/v1\nkind: Inventory\nspec:\n  defaults:\n    timeout: soon\n  hosts:\n    - address: a\n", "unmarshal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "got %v", err)
		})
	}
}

func TestLoader_FileErrors(t *testing.T) {
	_, err := NewLoader("").Load()
	assert.Error(t, err)

	_, err = NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	assert.Error(t, err)

	_, err = NewLoader(writeInventory(t, "")).Load()
	assert.ErrorContains(t, err, "is empty")
}

func TestDefaults_ExpandsAddressPatterns(t *testing.T) {
	inv, err := Parse([]byte(`
apiVersion: xmexec/v1
kind: Inventory
spec:
  hosts:
    - name: node
      address: 10.0.0.1-10.0.0.3
      user: admin
    - address: 192.168.7.0/30
    - name: single
      address: build-host-01
`))
	require.NoError(t, err)

	var names, addrs []string
	for _, h := range inv.Spec.Hosts {
		names = append(names, h.Name)
		addrs = append(addrs, h.Address)
	}
	assert.Equal(t, []string{"node-1", "node-2", "node-3", "192.168.7.1", "192.168.7.2", "single"}, names)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "192.168.7.1", "192.168.7.2", "build-host-01"}, addrs)

	node, ok := inv.Host("node-2")
	require.True(t, ok)
	assert.Equal(t, "admin", node.User)
	assert.Equal(t, 22, node.Port)

	_, err = Parse([]byte("apiVersion: xmexec/v1\nkind: Inventory\nspec:\n  hosts:\n    - address: 10.0.0.0/8\n"))
	assert.ErrorContains(t, err, "more than")
}
