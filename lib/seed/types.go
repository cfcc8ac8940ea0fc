package seed

import (
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strings"

	"golang.org/x/crypto/ssh"
)

// DefaultDNSServers are used when networking carries no resolvers.
var DefaultDNSServers = []string{"1.1.1.1", "8.8.8.8"}

var (
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
	usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
)

// Meta identifies the instance to cloud-init.
type Meta struct {
	InstanceID string
	Hostname   string
}

// Networking is a static configuration for the VM's primary NIC.
type Networking struct {
	MACAddress string
	Address    string // CIDR, e.g. 10.0.0.5/24
	Gateway    string
	DNSServers []string
}

// Credentials is either PublicKey or Password.
type Credentials interface {
	User() string
	isCredentials()
}

// PublicKey authorizes an SSH key for the user.
type PublicKey struct {
	Username string
	Key      string
}

// Password sets a login password for the user. It is hashed before rendering
// unless Hash already carries a crypt(3) string, which is then used as-is.
type Password struct {
	Username string
	Password string
	Hash     string
}

func (c PublicKey) User() string { return c.Username }
func (PublicKey) isCredentials() {}

func (c Password) User() string { return c.Username }
func (Password) isCredentials() {}

// NewCredentials picks the credential variant, failing unless exactly one of password and
// publicKey is non-empty.
func NewCredentials(username, password, publicKey string) (Credentials, error) {
	switch {
	case password != "" && publicKey != "":
		return nil, fmt.Errorf("%w: both set", ErrInvalidCredentials)
	case password != "":
		return Password{Username: username, Password: password}, nil
	case publicKey != "":
		return PublicKey{Username: username, Key: publicKey}, nil
	default:
		return nil, fmt.Errorf("%w: neither set", ErrInvalidCredentials)
	}
}

// Spec is everything needed to build one seed. Network is nil when the VM relies on DHCP.
type Spec struct {
	Meta        Meta
	Network     *Networking
	Credentials Credentials
}

// Validate checks every field without touching the filesystem.
func (s Spec) Validate() error {
	if s.Meta.InstanceID == "" {
		return fmt.Errorf("%w: instance id is required", ErrInvalidSpec)
	}
	if !hostnamePattern.MatchString(s.Meta.Hostname) || len(s.Meta.Hostname) > 253 {
		return fmt.Errorf("%w: invalid hostname %q", ErrInvalidSpec, s.Meta.Hostname)
	}

	switch c := s.Credentials.(type) {
	case nil:
		return fmt.Errorf("%w: neither set", ErrInvalidCredentials)
	case PublicKey:
		if !usernamePattern.MatchString(c.Username) {
			return fmt.Errorf("%w: invalid username %q", ErrInvalidSpec, c.Username)
		}
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(c.Key)); err != nil {
			return fmt.Errorf("%w: invalid public key: %v", ErrInvalidSpec, err)
		}
	case Password:
		if !usernamePattern.MatchString(c.Username) {
			return fmt.Errorf("%w: invalid username %q", ErrInvalidSpec, c.Username)
		}
		if c.Password == "" && c.Hash == "" {
			return fmt.Errorf("%w: empty password", ErrInvalidCredentials)
		}
		if c.Hash != "" && !strings.HasPrefix(c.Hash, "$") {
			return fmt.Errorf("%w: password hash is not a crypt string", ErrInvalidCredentials)
		}
	}

	if s.Network != nil {
		return s.Network.Validate()
	}
	return nil
}

// Validate checks MAC, CIDR, gateway and resolver syntax.
func (n *Networking) Validate() error {
	if _, err := net.ParseMAC(n.MACAddress); err != nil {
		return fmt.Errorf("%w: invalid mac address %q", ErrInvalidSpec, n.MACAddress)
	}
	prefix, err := netip.ParsePrefix(n.Address)
	if err != nil {
		return fmt.Errorf("%w: invalid address %q, want CIDR", ErrInvalidSpec, n.Address)
	}
	gw, err := netip.ParseAddr(n.Gateway)
	if err != nil {
		return fmt.Errorf("%w: invalid gateway %q", ErrInvalidSpec, n.Gateway)
	}
	if gw.Is4() != prefix.Addr().Is4() {
		return fmt.Errorf("%w: gateway %s and address %s differ in family", ErrInvalidSpec, n.Gateway, n.Address)
	}
	for _, dns := range n.DNSServers {
		if _, err := netip.ParseAddr(dns); err != nil {
			return fmt.Errorf("%w: invalid dns server %q", ErrInvalidSpec, dns)
		}
	}
	return nil
}

func (n *Networking) dnsServers() []string {
	if len(n.DNSServers) == 0 {
		return DefaultDNSServers
	}
	return n.DNSServers
}
