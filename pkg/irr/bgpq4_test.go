package irr

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBgpq4Output(t *testing.T) {
	out := []byte(`{"pl": [
		{"prefix": "203.0.113.0/24", "exact": true},
		{"prefix": "192.0.2.0/24", "exact": true},
		{"prefix": "192.0.2.0/24", "exact": true}
	]}`)

	prefixes, err := parseBgpq4Output(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.0/24", "203.0.113.0/24"}, prefixes, "deduplicated and sorted")
}

func TestParseBgpq4OutputEmpty(t *testing.T) {
	prefixes, err := parseBgpq4Output([]byte("  \n"))
	require.NoError(t, err)
	assert.Empty(t, prefixes)

	prefixes, err = parseBgpq4Output([]byte(`{"pl": []}`))
	require.NoError(t, err)
	assert.Empty(t, prefixes)
}

func TestParseBgpq4OutputInvalid(t *testing.T) {
	_, err := parseBgpq4Output([]byte("bgpq4: unknown AS"))
	assert.Error(t, err)
}

func TestBgpq4MissingBinary(t *testing.T) {
	client := NewBgpq4Client(Bgpq4Config{
		Command: []string{"bgpq4-definitely-not-installed"},
		Source:  "RADB",
		Timeout: 5 * time.Second,
	}, zerolog.Nop())

	result, err := client.FetchPrefixes(context.Background(), "AS64500")
	require.NoError(t, err, "a broken strategy still reports through the result")

	assert.True(t, result.Failed())
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "command not found")
	assert.Equal(t, []string{"RADB"}, result.SourcesQueried)
}

func TestBgpq4Defaults(t *testing.T) {
	client := NewBgpq4Client(Bgpq4Config{}, zerolog.Nop())

	assert.Equal(t, []string{"bgpq4"}, client.command)
	assert.Equal(t, "RADB", client.source)
	assert.Equal(t, 2*time.Minute, client.timeout)
}
