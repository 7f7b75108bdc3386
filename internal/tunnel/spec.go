package tunnel

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Transport is the local socket family a tunnel listens on.
type Transport string

const (
	TCP  Transport = "tcp"
	UDP  Transport = "udp"
	UDP4 Transport = "udp4"
	UDP6 Transport = "udp6"
)

// IsUDP reports whether t is one of the datagram transports.
func (t Transport) IsUDP() bool { return t == UDP || t == UDP4 || t == UDP6 }

// Wire is the transport name sent to the gateway: udp4/udp6 collapse to udp.
func (t Transport) Wire() string {
	if t.IsUDP() {
		return string(UDP)
	}
	return string(TCP)
}

// Network is the net package network name used to bind the local socket.
func (t Transport) Network() string {
	switch t {
	case UDP, UDP4:
		return "udp4"
	case UDP6:
		return "udp6"
	}
	return "tcp"
}

// AccessType is the authentication mode the gateway requires.
type AccessType string

const (
	AccessUnset   AccessType = ""
	AccessPublic  AccessType = "public"
	AccessAPIKey  AccessType = "apikey"
	AccessSession AccessType = "session"
)

const (
	DefaultAddress      = "127.0.0.1"
	DefaultPort         = 2222
	DefaultPollInterval = 10 * time.Second
	DefaultAPIKeyHeader = "x-api-key"
)

// Spec describes one tunnel. Field tags follow the tunnels file format.
type Spec struct {
	Name         string     `yaml:"name" json:"name"`
	Remote       string     `yaml:"remote" json:"remote"`
	Transport    Transport  `yaml:"transport" json:"transport"`
	Address      string     `yaml:"address" json:"address"`
	Port         int        `yaml:"port" json:"port"`
	RemoteHost   string     `yaml:"remoteHost" json:"remoteHost"`
	RemotePort   string     `yaml:"remotePort" json:"remotePort"`
	Access       AccessType `yaml:"access_type" json:"access_type"`
	APIKey       string     `yaml:"apikey" json:"apikey"`
	APIKeyRef    string     `yaml:"apikeyRef" json:"apikeyRef"`
	APIKeyHeader string     `yaml:"sahn" json:"sahn"`
	Host         string     `yaml:"host" json:"host"`
	PollMillis   int        `yaml:"every" json:"every"`
	Enabled      bool       `yaml:"enabled" json:"enabled"`
}

// Normalize returns a copy with defaults applied. Port is left alone since
// zero asks the OS for an ephemeral port.
func (s Spec) Normalize() Spec {
	if s.Name == "" {
		s.Name = ShortID()
	}
	if s.Transport == "" {
		s.Transport = TCP
	}
	if s.Address == "" {
		s.Address = DefaultAddress
	}
	if s.Transport == UDP6 {
		if ip := net.ParseIP(s.Address); ip == nil || ip.To4() != nil {
			s.Address = "::"
		}
	}
	if s.APIKeyHeader == "" {
		s.APIKeyHeader = DefaultAPIKeyHeader
	}
	if s.PollMillis <= 0 {
		s.PollMillis = int(DefaultPollInterval / time.Millisecond)
	}
	return s
}

// Validate checks the fields a bridge cannot start without.
func (s Spec) Validate() error {
	switch s.Transport {
	case TCP, UDP, UDP4, UDP6:
	default:
		return fmt.Errorf("tunnel %s: unknown transport %q", s.Name, s.Transport)
	}
	switch s.Access {
	case AccessUnset, AccessPublic, AccessAPIKey, AccessSession:
	default:
		return fmt.Errorf("tunnel %s: unknown access_type %q", s.Name, s.Access)
	}
	if s.Remote == "" {
		return fmt.Errorf("tunnel %s: missing remote", s.Name)
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("tunnel %s: invalid port %d", s.Name, s.Port)
	}
	return nil
}

// WithAccess returns the derived copy used on restart, with access pinned.
func (s Spec) WithAccess(a AccessType) Spec {
	s.Access = a
	return s
}

// PollInterval is the liveness check period.
func (s Spec) PollInterval() time.Duration {
	return time.Duration(s.PollMillis) * time.Millisecond
}

// LocalAddr is the host:port the local socket binds.
func (s Spec) LocalAddr() string {
	return net.JoinHostPort(s.Address, fmt.Sprint(s.Port))
}

// Active reports whether the manager should start this spec. A spec without
// a remote is implicitly enabled (single-tunnel files).
func (s Spec) Active() bool {
	return s.Enabled || s.Remote == ""
}

// ShortID returns a short random identifier for tunnels and flows.
func ShortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}
