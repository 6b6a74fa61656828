package chain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDefinitions = `
networks:
  - network_id: 100
    name: gnosis
    rpc_url: " https://rpc.gnosischain.com "
  - network_id: 1
    name: mainnet
    rpc_url: https://eth.llamarpc.com
`

func TestParseDefinitions(t *testing.T) {
	defs, err := ParseDefinitions([]byte(sampleDefinitions))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	gnosis := defs[100]
	assert.Equal(t, "gnosis", gnosis.Name)
	assert.Equal(t, "https://rpc.gnosischain.com", gnosis.RPCURL)
	assert.Equal(t, "https://eth.llamarpc.com", defs[1].RPCURL)
}

func TestParseDefinitions_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "malformed", yaml: "networks: [", wantErr: "failed to parse"},
		{name: "zero network id", yaml: "networks:\n  - rpc_url: http://a\n", wantErr: "network_id must be positive"},
		{
			name:    "duplicate",
			yaml:    "networks:\n  - network_id: 1\n    rpc_url: http://a\n  - network_id: 1\n    rpc_url: http://b\n",
			wantErr: "duplicate network_id 1",
		},
		{name: "no url", yaml: "networks:\n  - network_id: 5\n    rpc_url: \"  \"\n", wantErr: "rpc_url is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinitions([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDefinitions), 0o600))

	defs, err := LoadDefinitions(path)
	require.NoError(t, err)
	assert.Contains(t, defs, int64(100))

	_, err = LoadDefinitions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read chain config")

	_, err = LoadDefinitions(" ")
	assert.ErrorContains(t, err, "path is required")
}
