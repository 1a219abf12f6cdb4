package config

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/mensylisir/xmexec/common"
	"github.com/mensylisir/xmexec/connector"
	"github.com/mensylisir/xmexec/ip"
	"github.com/mensylisir/xmexec/util"
)

// SetDefaults copies the inventory defaults into every host and validates
// names and addresses. A host without a name is named after its address.
func SetDefaults(inv *Inventory) error {
	if err := expandHosts(inv); err != nil {
		return err
	}
	d := inv.Spec.Defaults
	seen := make(map[string]struct{}, len(inv.Spec.Hosts))

	for i := range inv.Spec.Hosts {
		h := &inv.Spec.Hosts[i]
		if h.Address == "" {
			return errors.Errorf("host #%d (%s) has no address", i, h.Name)
		}
		h.Name = util.FirstNonEmpty(h.Name, h.Address)
		if _, dup := seen[h.Name]; dup {
			return errors.Errorf("duplicate host name '%s'", h.Name)
		}
		seen[h.Name] = struct{}{}

		h.User = util.FirstNonEmpty(h.User, d.User, common.RootUser)
		h.PrivateKeyPath = util.FirstNonEmpty(h.PrivateKeyPath, d.PrivateKeyPath)
		h.KnownHostsFile = util.FirstNonEmpty(h.KnownHostsFile, d.KnownHostsFile)
		if h.Port == 0 {
			h.Port = d.Port
		}
		if h.Port == 0 {
			h.Port = common.DefaultSSHPort
		}
		if h.Timeout == 0 {
			h.Timeout = d.Timeout
		}
		if h.Bastion == nil && d.Bastion != nil {
			b := *d.Bastion
			h.Bastion = &b
		}

		var err error
		if h.PrivateKeyPath, err = util.ExpandHome(h.PrivateKeyPath); err != nil {
			return err
		}
		if h.KnownHostsFile, err = util.ExpandHome(h.KnownHostsFile); err != nil {
			return err
		}
	}
	return nil
}

// expandHosts replaces every host whose address is a pattern, such as
// 10.0.0.1-10.0.0.4 or 10.0.0.0/29, by one host per address. Named hosts
// get the name suffixed with the position of the address.
func expandHosts(inv *Inventory) error {
	hosts := make([]HostSpec, 0, len(inv.Spec.Hosts))
	for _, h := range inv.Spec.Hosts {
		if !ip.IsPattern(h.Address) {
			hosts = append(hosts, h)
			continue
		}
		addrs, err := ip.Expand(h.Address)
		if err != nil {
			return errors.Wrapf(err, "host %s", util.FirstNonEmpty(h.Name, h.Address))
		}
		for i, addr := range addrs {
			expanded := h
			expanded.Address = addr
			if h.Name != "" {
				expanded.Name = h.Name + "-" + strconv.Itoa(i+1)
			}
			hosts = append(hosts, expanded)
		}
	}
	inv.Spec.Hosts = hosts
	return nil
}

// Host looks a host up by name or address.
func (inv *Inventory) Host(name string) (HostSpec, bool) {
	for _, h := range inv.Spec.Hosts {
		if h.Name == name || h.Address == name {
			return h, true
		}
	}
	return HostSpec{}, false
}

// ConnectorConfig converts the host into SSH connection settings. Anything
// still unset is defaulted when the connection is made.
func (h HostSpec) ConnectorConfig() connector.Config {
	cfg := connector.Config{
		Username:       h.User,
		Password:       h.Password,
		Address:        h.Address,
		Port:           h.Port,
		KeyFile:        h.PrivateKeyPath,
		AgentSocket:    h.AgentSocket,
		Timeout:        h.Timeout,
		KnownHostsFile: h.KnownHostsFile,
	}
	if h.Bastion != nil {
		cfg.Bastion = h.Bastion.Address
		cfg.BastionPort = h.Bastion.Port
		cfg.BastionUser = h.Bastion.User
	}
	return cfg
}
