package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestQuote(t *testing.T) {
	cases := map[string]string{
		"":                  "''",
		"plain":             "'plain'",
		"with space":        "'with space'",
		"it's":              `'it'\''s'`,
		"$(rm -rf /)":       "'$(rm -rf /)'",
		"notebooks/a.ipynb": "'notebooks/a.ipynb'",
	}
	for in, want := range cases {
		assert.Equal(t, want, Quote(in), in)
	}
	assert.Equal(t, "'a' 'b c'", Join("a", "b c"))
}

func TestExitCode(t *testing.T) {
	code, ok := ExitCode(fmt.Errorf("bootstrap: %w", &ExitError{Code: 100}))
	assert.True(t, ok)
	assert.Equal(t, 100, code)

	_, ok = ExitCode(fmt.Errorf("connection reset"))
	assert.False(t, ok)

	assert.Equal(t, "remote command exited with status 2: boom", (&ExitError{Code: 2, Stderr: "boom\n"}).Error())
}

func TestCommandRender(t *testing.T) {
	cmd := MustCommand("bootstrap", `chmod +x {{quote .Path}} && sudo {{quote .Path}}{{range .Args}} {{quote .}}{{end}}`)

	out, err := cmd.Render(map[string]any{
		"Path": "/tmp/bootstrap-ec2.sh",
		"Args": []string{"https://example.test/fn", "key'with'quotes", "sess-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, `chmod +x '/tmp/bootstrap-ec2.sh' && sudo '/tmp/bootstrap-ec2.sh' 'https://example.test/fn' 'key'\''with'\''quotes' 'sess-1'`, out)

	_, err = cmd.Render(map[string]any{"Args": []string{}})
	assert.Error(t, err)

	_, err = NewCommand("broken", "{{quote .Path")
	assert.Error(t, err)
}

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func TestHostKeysPinOnFirstUse(t *testing.T) {
	keys := NewHostKeys()
	first, second := newHostKey(t), newHostKey(t)

	cb := keys.callback("i-1")
	require.NoError(t, cb("10.0.0.1:22", nil, first))
	require.NoError(t, cb("10.0.0.1:22", nil, first))
	assert.Error(t, cb("10.0.0.1:22", nil, second))

	// pins are per instance, so a reused address does not collide
	assert.NoError(t, keys.callback("i-2")("10.0.0.1:22", nil, second))

	keys.Forget("i-1")
	assert.NoError(t, keys.callback("i-1")("10.0.0.1:22", nil, second))
}

func TestTargetString(t *testing.T) {
	assert.Equal(t, "ubuntu@1.2.3.4", Target{User: "ubuntu", Host: "1.2.3.4"}.String())
}
