package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Profile describes the ledger network the benchmark talks to.
//
// Example:
//
//	gateway_url     = "http://localhost:7080/rpc"
//	channel         = "ptb-channel"
//	peers           = ["peer0.ptb.de"]
//	call_timeout    = "30s"
//	confirm_timeout = "10s"
//
//	[chaincode]
//	name     = "fabmorph"
//	version  = "1.0"
//	language = "golang"
//
//	[pki_chaincode]
//	name     = "fabpki"
//	version  = "1.0"
//
//	[identity]
//	org  = "ptb.de"
//	user = "Admin"
//
//	[connect]
//	max_attempts    = 5
//	initial_backoff = "500ms"
//	max_backoff     = "10s"
type Profile struct {
	GatewayURL string   `toml:"gateway_url"`
	Channel    string   `toml:"channel"`
	Peers      []string `toml:"peers"`

	// CallTimeout bounds a single gateway HTTP round trip.
	CallTimeout time.Duration `toml:"call_timeout"`

	// ConfirmTimeout is the wall-clock budget for commit confirmation in
	// full mode.
	ConfirmTimeout time.Duration `toml:"confirm_timeout"`

	Chaincode ChaincodeConfig `toml:"chaincode"`

	// PKIChaincode verifies signed measurements.
	PKIChaincode ChaincodeConfig `toml:"pki_chaincode"`

	Identity IdentityConfig `toml:"identity"`
	Connect  ConnectConfig  `toml:"connect"`
}

// ChaincodeConfig identifies the deployed chaincode.
type ChaincodeConfig struct {
	Name     string `toml:"name"`
	Version  string `toml:"version"`
	Language string `toml:"language"`
}

// IdentityConfig names the requestor transactions are signed as.
type IdentityConfig struct {
	Org  string `toml:"org"`
	User string `toml:"user"`
}

// ConnectConfig bounds client handle construction.
type ConnectConfig struct {
	MaxAttempts    int           `toml:"max_attempts"`
	InitialBackoff time.Duration `toml:"initial_backoff"`
	MaxBackoff     time.Duration `toml:"max_backoff"`
}

// Profile defaults match the reference PTB network.
const (
	DefaultChannel          = "ptb-channel"
	DefaultPeer             = "peer0.ptb.de"
	DefaultChaincode        = "fabmorph"
	DefaultChaincodeVersion = "1.0"
	DefaultChaincodeLang    = "golang"
	DefaultPKIChaincode     = "fabpki"
	DefaultOrg              = "ptb.de"
	DefaultUser             = "Admin"
	DefaultCallTimeout      = 30 * time.Second
	DefaultConfirmTimeout   = 10 * time.Second
	DefaultConnectAttempts  = 5
	DefaultConnectBackoff   = 500 * time.Millisecond
	DefaultConnectMaxWait   = 10 * time.Second
)

// DefaultProfile returns the profile used when a field is absent from the file.
func DefaultProfile() Profile {
	return Profile{
		Channel:        DefaultChannel,
		Peers:          []string{DefaultPeer},
		CallTimeout:    DefaultCallTimeout,
		ConfirmTimeout: DefaultConfirmTimeout,
		Chaincode: ChaincodeConfig{
			Name:     DefaultChaincode,
			Version:  DefaultChaincodeVersion,
			Language: DefaultChaincodeLang,
		},
		PKIChaincode: ChaincodeConfig{
			Name:     DefaultPKIChaincode,
			Version:  DefaultChaincodeVersion,
			Language: DefaultChaincodeLang,
		},
		Identity: IdentityConfig{
			Org:  DefaultOrg,
			User: DefaultUser,
		},
		Connect: ConnectConfig{
			MaxAttempts:    DefaultConnectAttempts,
			InitialBackoff: DefaultConnectBackoff,
			MaxBackoff:     DefaultConnectMaxWait,
		},
	}
}

// LoadProfile reads a TOML network profile on top of DefaultProfile.
// gatewayOverride, when non-empty, replaces the file's gateway_url.
func LoadProfile(path, gatewayOverride string) (*Profile, error) {
	p := DefaultProfile()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read network profile %s", path)
	}
	md, err := toml.Decode(string(data), &p)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse network profile %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("unknown keys in network profile %s: %v", path, undecoded)
	}

	if gatewayOverride != "" {
		p.GatewayURL = gatewayOverride
	}
	if err := p.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid network profile %s", path)
	}
	return &p, nil
}

// Validate validates the profile.
func (p *Profile) Validate() error {
	if p.GatewayURL == "" {
		return fmt.Errorf("gateway_url is required")
	}
	if p.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	if len(p.Peers) == 0 {
		return fmt.Errorf("at least one peer is required")
	}
	if p.Chaincode.Name == "" || p.Chaincode.Version == "" {
		return fmt.Errorf("chaincode name and version are required")
	}
	if p.PKIChaincode.Name == "" || p.PKIChaincode.Version == "" {
		return fmt.Errorf("pki_chaincode name and version are required")
	}
	if p.Identity.Org == "" || p.Identity.User == "" {
		return fmt.Errorf("identity org and user are required")
	}
	if p.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive")
	}
	if p.ConfirmTimeout <= 0 {
		return fmt.Errorf("confirm_timeout must be positive")
	}
	if p.Connect.MaxAttempts < 1 {
		return fmt.Errorf("connect.max_attempts must be at least 1")
	}
	if p.Connect.InitialBackoff <= 0 || p.Connect.MaxBackoff < p.Connect.InitialBackoff {
		return fmt.Errorf("connect backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	return nil
}
