package cmd

import (
	"bytes"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/mealsched/internal/extcode"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := root.Execute()
	return out.String(), err
}

func TestSubcommands(t *testing.T) {
	root := NewRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"server", "autoreg", "schedule", "queue", "code", "keys", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "mealsched dev (commit=none, built=unknown)\n", out)
}

func TestKeysThenIssueCode(t *testing.T) {
	out, err := run(t, "keys")
	require.NoError(t, err)
	line := strings.TrimSpace(out)
	require.True(t, strings.HasPrefix(line, "export EXTERNAL_CODE_SECRET="))
	value := strings.TrimPrefix(line, "export EXTERNAL_CODE_SECRET=")
	secret, err := base64.StdEncoding.DecodeString(value)
	require.NoError(t, err)
	assert.Len(t, secret, extcode.MinSecretLen)

	t.Setenv("EXTERNAL_CODE_SECRET", value)
	out, err = run(t, "code", "issue", "--tenant", "T", "--student", "S1")
	require.NoError(t, err)

	codes, err := extcode.New(secret, 0)
	require.NoError(t, err)
	student, err := codes.Resolve("T", strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "S1", student)
}

func TestIssueCodeNeedsSecret(t *testing.T) {
	t.Setenv("EXTERNAL_CODE_SECRET", "")
	_, err := run(t, "code", "issue", "--tenant", "T", "--student", "S1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXTERNAL_CODE_SECRET is not set")
}

func TestTriggerRequiresFlags(t *testing.T) {
	_, err := run(t, "autoreg", "trigger", "--meal", "lunch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "tenant" not set`)
}
