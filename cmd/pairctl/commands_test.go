package main

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper/roulette/internal/config"
	"github.com/whisper/roulette/internal/profile"
)

var testNow = time.Now().UTC().Truncate(time.Second)

func testApp() *app {
	a := newApp(config.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.useCache = false
	a.grants = profile.NewMemoryGrantStore()
	a.profiles = profile.NewMemoryStore()
	a.now = func() time.Time { return testNow }
	return a
}

func execute(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(a)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestGrantTierRevoke(t *testing.T) {
	a := testApp()

	out, err := execute(t, a, "tier", "u1")
	require.NoError(t, err)
	require.Equal(t, "standard\n", out)

	out, err = execute(t, a, "grant", "u1", "--for", "48h")
	require.NoError(t, err)
	require.Equal(t, "granted subscription to u1 until "+testNow.Add(48*time.Hour).Format(time.RFC3339)+"\n", out)

	out, err = execute(t, a, "tier", "u1")
	require.NoError(t, err)
	require.Equal(t, "priority\n", out)

	out, err = execute(t, a, "revoke", "u1")
	require.NoError(t, err)
	require.Equal(t, "revoked 1 grant(s) from u1\n", out)

	out, err = execute(t, a, "tier", "u1")
	require.NoError(t, err)
	require.Equal(t, "standard\n", out)
}

func TestGrant_TrialOnce(t *testing.T) {
	a := testApp()

	_, err := execute(t, a, "grant", "u1", "--kind", "trial", "--for", "24h")
	require.NoError(t, err)

	_, err = execute(t, a, "grant", "u1", "--kind", "trial", "--for", "24h")
	require.ErrorIs(t, err, profile.ErrTrialUsed)
}

func TestGrant_BadFlags(t *testing.T) {
	a := testApp()

	_, err := execute(t, a, "grant", "u1", "--kind", "lifetime")
	require.Error(t, err)

	_, err = execute(t, a, "grant", "u1", "--for", "0s")
	require.Error(t, err)

	_, err = execute(t, a, "grant")
	require.Error(t, err)
}

func TestProfileCommands(t *testing.T) {
	a := testApp()

	out, err := execute(t, a, "profile", "get", "u1")
	require.NoError(t, err)
	require.Equal(t, "Gender: not set\nAge: not set\n", out)

	out, err = execute(t, a, "profile", "set", "u1", "gender", "m")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "Gender: Male"))

	_, err = execute(t, a, "profile", "set", "u1", "age_range", "50-60")
	require.Error(t, err)

	out, err = execute(t, a, "profile", "reset", "u1")
	require.NoError(t, err)
	require.Equal(t, "profile of u1 reset\n", out)

	out, err = execute(t, a, "profile", "get", "u1")
	require.NoError(t, err)
	require.Equal(t, "Gender: not set\nAge: not set\n", out)
}

func TestMigrate_RequiresDatabase(t *testing.T) {
	a := testApp()
	_, err := execute(t, a, "migrate", "up")
	require.ErrorContains(t, err, "DATABASE_URL")
}
