package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/kernel/vmagent/lib/tools"
)

// File names inside the seed, as read by cloud-init's NoCloud datasource.
const (
	FileMetaData      = "meta-data"
	FileNetworkConfig = "network-config"
	FileUserData      = "user-data"
)

// Documents holds the rendered seed files. NetworkConfig is empty when networking is omitted.
type Documents struct {
	MetaData      []byte
	NetworkConfig []byte
	UserData      []byte
}

type metaData struct {
	InstanceID    string `json:"instance-id"`
	LocalHostname string `json:"local-hostname"`
}

type networkConfig struct {
	Version   int                 `json:"version"`
	Ethernets map[string]ethernet `json:"ethernets"`
}

type ethernet struct {
	Match       map[string]string `json:"match"`
	SetName     string            `json:"set-name"`
	Addresses   []string          `json:"addresses"`
	Routes      []route           `json:"routes"`
	Nameservers nameservers       `json:"nameservers"`
}

type route struct {
	To  string `json:"to"`
	Via string `json:"via"`
}

type nameservers struct {
	Addresses []string `json:"addresses"`
}

type userData struct {
	Hostname         string    `json:"hostname"`
	PreserveHostname bool      `json:"preserve_hostname"`
	Users            []user    `json:"users"`
	SSHPasswordAuth  bool      `json:"ssh_pwauth"`
	Chpasswd         *chpasswd `json:"chpasswd,omitempty"`
}

type user struct {
	Name              string   `json:"name"`
	Sudo              string   `json:"sudo"`
	Shell             string   `json:"shell"`
	LockPasswd        bool     `json:"lock_passwd"`
	Passwd            string   `json:"passwd,omitempty"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys,omitempty"`
}

type chpasswd struct {
	Expire bool `json:"expire"`
}

// Render produces the seed documents. Password credentials are hashed through runner.
func Render(ctx context.Context, runner tools.Runner, spec Spec) (*Documents, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	docs := &Documents{}
	var err error

	docs.MetaData, err = yaml.Marshal(metaData{
		InstanceID:    spec.Meta.InstanceID,
		LocalHostname: spec.Meta.Hostname,
	})
	if err != nil {
		return nil, fmt.Errorf("render meta-data: %w", err)
	}

	if spec.Network != nil {
		n := spec.Network
		// JSON is valid YAML and quotes every scalar, so all-digit MACs never load as sexagesimal ints.
		docs.NetworkConfig, err = json.MarshalIndent(networkConfig{
			Version: 2,
			Ethernets: map[string]ethernet{
				"primary": {
					Match:       map[string]string{"macaddress": strings.ToLower(n.MACAddress)},
					SetName:     "eth0",
					Addresses:   []string{n.Address},
					Routes:      []route{{To: "default", Via: n.Gateway}},
					Nameservers: nameservers{Addresses: n.dnsServers()},
				},
			},
		}, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("render network-config: %w", err)
		}
	}

	ud := userData{
		Hostname:         spec.Meta.Hostname,
		PreserveHostname: false,
	}
	u := user{
		Name:  spec.Credentials.User(),
		Sudo:  "ALL=(ALL) NOPASSWD:ALL",
		Shell: "/bin/bash",
	}
	switch c := spec.Credentials.(type) {
	case PublicKey:
		u.LockPasswd = true
		u.SSHAuthorizedKeys = []string{strings.TrimSpace(c.Key)}
	case Password:
		hash := c.Hash
		if hash == "" {
			var err error
			if hash, err = hashPassword(ctx, runner, c.Password); err != nil {
				return nil, err
			}
		}
		u.Passwd = hash
		ud.SSHPasswordAuth = true
		ud.Chpasswd = &chpasswd{Expire: false}
	}
	ud.Users = []user{u}

	body, err := yaml.Marshal(ud)
	if err != nil {
		return nil, fmt.Errorf("render user-data: %w", err)
	}
	docs.UserData = append([]byte("#cloud-config\n"), body...)

	return docs, nil
}

// hashPassword returns a SHA-512 crypt hash of password. The "--" keeps a password
// starting with "-" from being parsed as an option.
func hashPassword(ctx context.Context, runner tools.Runner, password string) (string, error) {
	out, err := runner.Run(ctx, "openssl", "passwd", "-6", "--", password)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	hash := strings.TrimSpace(string(out))
	if !strings.HasPrefix(hash, "$6$") {
		return "", fmt.Errorf("hash password: unexpected openssl output")
	}
	return hash, nil
}
