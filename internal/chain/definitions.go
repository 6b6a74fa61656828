package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of the chains YAML file.
type Definitions struct {
	Networks []Definition `yaml:"networks"`
}

// Definition describes one EVM network. NetworkID doubles as the EIP-155
// chain id bound into permit domains.
type Definition struct {
	NetworkID   int64  `yaml:"network_id"`
	Name        string `yaml:"name"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing network endpoints.
func LoadDefinitions(path string) (map[int64]Definition, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("chain config path is required")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain config: %w", err)
	}

	return ParseDefinitions(content)
}

// ParseDefinitions decodes and validates chain definitions, keyed by network id.
func ParseDefinitions(content []byte) (map[int64]Definition, error) {
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse chain config: %w", err)
	}

	out := make(map[int64]Definition, len(defs.Networks))
	for i, def := range defs.Networks {
		if def.NetworkID <= 0 {
			return nil, fmt.Errorf("networks[%d]: network_id must be positive", i)
		}
		if _, dup := out[def.NetworkID]; dup {
			return nil, fmt.Errorf("networks[%d]: duplicate network_id %d", i, def.NetworkID)
		}

		def.RPCURL = strings.TrimSpace(def.RPCURL)
		if def.RPCURL == "" {
			return nil, fmt.Errorf("networks[%d]: rpc_url is required for network %d", i, def.NetworkID)
		}

		out[def.NetworkID] = def
	}
	return out, nil
}
