package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpulse/server/internal/auth"
)

// 场景：token 子命令用配置中的密钥签发可校验的令牌
func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("DATABASE_URL", "unused.db")
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--user", "5", "--username", "eve"})
	require.NoError(t, cmd.Execute())

	id, err := auth.NewVerifier("cli-secret").Verify(string(bytes.TrimSpace(out.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, auth.Identity{UserID: 5, Username: "eve"}, id)
}

func TestTokenCommandRequiresUser(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"token"})
	assert.Error(t, cmd.Execute())
}

func TestRootHasSubcommands(t *testing.T) {
	cmd := newRootCommand()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "token", "watch"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}
