package main

import (
	"bytes"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowaway/service/internal/auth"
)

func run(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestVHostCommand(t *testing.T) {
	out := run(t, "example.com:\n  secret_key: k\n  remote_dir: up\n", "vhost")
	assert.JSONEq(t, `{"example.com":{"secret_key":"k","remote_dir":"up"}}`, out)
}

func TestSignCommand(t *testing.T) {
	out := run(t, "", "sign", "--secret", "k", "--ttl", "1m")
	q, err := url.ParseQuery(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.NoError(t, auth.Verify("k", auth.ParamsFrom(q), time.Now()))

	token := strings.TrimSpace(run(t, "", "sign", "--secret", "k", "--chain", "resize=8x8", "--path", "a/b.png"))
	chain, err := auth.ParseChain("k", token, "a/b.png")
	require.NoError(t, err)
	assert.Equal(t, "resize=8x8", chain)
}
