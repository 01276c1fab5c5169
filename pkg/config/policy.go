package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy holds the static deployment data that does not belong in the
// environment: mesh seed peers and the verification-method -> required
// approval-kind matrix consulted by the transfer state machine.
type Policy struct {
	SeedPeers          []SeedPeer                  `yaml:"seed_peers"`
	RequiredApprovals  map[string][]string          `yaml:"required_approvals"`
}

// SeedPeer is a statically configured mesh bootstrap peer.
type SeedPeer struct {
	ID        string `yaml:"id"`
	Address   string `yaml:"address"`
	PublicKey string `yaml:"public_key"` // hex-encoded ed25519 public key
}

// DefaultPolicy mirrors the required-approvals-by-verification-method
// table of the transfer state machine: Blockchain and QR-permanent
// transfers need the full command-chain/property-manager/security-
// officer set, NFC/RFID (treated as the temporary/loan case) need
// property manager and security officer, and Manual (the maintenance
// case) needs property manager and the maintenance authority.
func DefaultPolicy() *Policy {
	return &Policy{
		RequiredApprovals: map[string][]string{
			"blockchain": {"command_chain", "property_manager", "security_officer"},
			"qr_code":    {"command_chain", "property_manager", "security_officer"},
			"nfc":        {"property_manager", "security_officer"},
			"rfid":       {"property_manager", "security_officer"},
			"manual":     {"property_manager", "maintenance_authority"},
		},
	}
}

// LoadPolicy reads a Policy from a YAML file, falling back to
// DefaultPolicy if path is empty.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}

	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return p, nil
}
