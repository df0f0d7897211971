package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	herr "github.com/connectias/pluginhost/internal/obs/errors"
	"github.com/connectias/pluginhost/internal/testsign"
)

func samplePluginFiles() []testsign.File {
	manifest := `{
  "id": "com.example.hello",
  "name": "Hello Plugin",
  "version": "1.0.0",
  "author": "Example Corp",
  "min_core_version": "1.0.0",
  "entry_point": "main.wasm",
  "permissions": ["storage:read"]
}`
	return []testsign.File{
		{Path: "plugin.json", Content: []byte(manifest)},
		{Path: "main.wasm", Content: []byte{0x00, 0x61, 0x73, 0x6d}},
	}
}

func TestVerifyPackage_Valid(t *testing.T) {
	priv, err := testsign.GenerateKey()
	require.NoError(t, err)
	pubPEM, err := testsign.PublicKeyPEM(priv)
	require.NoError(t, err)
	keys, err := NewTrustedKeySet(pubPEM)
	require.NoError(t, err)
	v := New(keys, nil)

	pkg, err := testsign.BuildSignedPackage(priv, samplePluginFiles())
	require.NoError(t, err)

	result, err := v.VerifyPackage(pkg)
	require.NoError(t, err)
	assert.Equal(t, "com.example.hello", result.Manifest.ID.String())
	assert.Equal(t, "Hello Plugin", result.Manifest.Name)
	assert.NotEmpty(t, result.EntryBytes)
	assert.True(t, v.State().Healthy)
}

func TestVerifyPackage_MissingSignature(t *testing.T) {
	priv, err := testsign.GenerateKey()
	require.NoError(t, err)
	pubPEM, err := testsign.PublicKeyPEM(priv)
	require.NoError(t, err)
	keys, err := NewTrustedKeySet(pubPEM)
	require.NoError(t, err)
	v := New(keys, nil)

	pkg, err := testsign.BuildUnsignedPackage(samplePluginFiles())
	require.NoError(t, err)

	_, err = v.VerifyPackage(pkg)
	require.Error(t, err)
	assert.True(t, herr.Is(err, herr.KindMissingSignature))
}

func TestVerifyPackage_WrongKey(t *testing.T) {
	signerKey, err := testsign.GenerateKey()
	require.NoError(t, err)
	otherKey, err := testsign.GenerateKey()
	require.NoError(t, err)
	otherPub, err := testsign.PublicKeyPEM(otherKey)
	require.NoError(t, err)
	keys, err := NewTrustedKeySet(otherPub)
	require.NoError(t, err)
	v := New(keys, nil)

	pkg, err := testsign.BuildSignedPackage(signerKey, samplePluginFiles())
	require.NoError(t, err)

	_, err = v.VerifyPackage(pkg)
	require.Error(t, err)
	assert.True(t, herr.Is(err, herr.KindInvalidSignature))
}

func TestVerifyPackage_TamperedContent(t *testing.T) {
	priv, err := testsign.GenerateKey()
	require.NoError(t, err)
	pubPEM, err := testsign.PublicKeyPEM(priv)
	require.NoError(t, err)
	keys, err := NewTrustedKeySet(pubPEM)
	require.NoError(t, err)
	v := New(keys, nil)

	files := samplePluginFiles()
	pkg, err := testsign.BuildSignedPackage(priv, files)
	require.NoError(t, err)

	tamperedPkg, err := testsign.TamperPackage(pkg, files[1].Path, []byte("tampered"))
	require.NoError(t, err)

	_, err = v.VerifyPackage(tamperedPkg)
	require.Error(t, err)
	assert.True(t, herr.Is(err, herr.KindInvalidSignature))
}

func TestVerifierState_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	signerKey, err := testsign.GenerateKey()
	require.NoError(t, err)
	otherKey, err := testsign.GenerateKey()
	require.NoError(t, err)
	otherPub, err := testsign.PublicKeyPEM(otherKey)
	require.NoError(t, err)
	keys, err := NewTrustedKeySet(otherPub)
	require.NoError(t, err)
	v := New(keys, nil)

	pkg, err := testsign.BuildSignedPackage(signerKey, samplePluginFiles())
	require.NoError(t, err)

	var lastErr error
	for i := 0; i < degradeAfterFailures+1; i++ {
		_, lastErr = v.VerifyPackage(pkg)
		require.Error(t, lastErr)
	}

	snap := v.State()
	assert.True(t, snap.CircuitOpen || snap.Degraded)
}

func TestParseManifest_RejectsMissingRequiredField(t *testing.T) {
	bad := `{"id": "com.example.bad", "name": "Bad"}`
	_, err := parseManifest([]byte(bad), "json")
	require.Error(t, err)
}

func TestParseManifest_RejectsUnknownCapability(t *testing.T) {
	bad := `{
  "id": "com.example.bad",
  "name": "Bad",
  "version": "1.0.0",
  "min_core_version": "1.0.0",
  "entry_point": "main.wasm",
  "permissions": ["not_a_real_capability"]
}`
	_, err := parseManifest([]byte(bad), "json")
	require.Error(t, err)
}
