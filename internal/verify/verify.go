package verify

import (
	"archive/zip"
	"bytes"
	"time"

	"github.com/connectias/pluginhost/internal/domain/plugin"
	herr "github.com/connectias/pluginhost/internal/obs/errors"
	"github.com/connectias/pluginhost/internal/obs/logging"
	"github.com/connectias/pluginhost/internal/obs/metrics"
)

// Verifier checks a plugin ZIP's signature against a trusted key set and
// parses its manifest (C1, spec §4.1).
type Verifier struct {
	keys  *TrustedKeySet
	state *VerifierState
	log   *logging.Logger
}

// New constructs a Verifier backed by the given trusted key set.
func New(keys *TrustedKeySet, log *logging.Logger) *Verifier {
	if log == nil {
		log = logging.Default()
	}
	return &Verifier{keys: keys, state: NewVerifierState(), log: log}
}

// Result is the outcome of a successful package verification: the
// parsed, validated manifest plus the entry-point module bytes ready to
// hand to the sandbox engine.
type Result struct {
	Manifest   plugin.Info
	EntryBytes []byte
}

// State exposes the verifier's own health for status reporting.
func (v *Verifier) State() Snapshot { return v.state.Snapshot() }

// VerifyPackage validates the ZIP archive at raw: it checks the circuit
// breaker, reads and canonicalizes every non-signature entry, verifies
// the detached RSA signature, then parses and schema-validates the
// manifest. Only the signature check feeds the circuit breaker: a failed
// check records a failure and a passing one records a success; malformed
// archives, a missing signature, and manifest or entry-point errors leave
// it unchanged.
func (v *Verifier) VerifyPackage(raw []byte) (*Result, error) {
	now := time.Now()
	if !v.state.Allow(now) {
		return nil, herr.SecurityViolation("signature verifier circuit is open; too many recent failures")
	}

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, herr.MalformedPackage("not a valid ZIP archive")
	}

	entries, err := readPackageEntries(zr)
	if err != nil {
		return nil, herr.MalformedPackage(err.Error())
	}

	sigFile, err := findSignatureFile(zr)
	if err != nil {
		return nil, err
	}

	message := canonicalMessage(entries)
	sig := decodeSignature(sigFile)
	if err := v.keys.verify(message, sig); err != nil {
		v.state.RecordFailure(now)
		metrics.PluginLoads.WithLabelValues("signature_invalid").Inc()
		return nil, err
	}
	v.state.RecordSuccess()

	manifestPath, ext, manifestContent, err := locateManifest(entries)
	if err != nil {
		metrics.PluginLoads.WithLabelValues("manifest_missing").Inc()
		return nil, err
	}
	_ = manifestPath

	info, err := parseManifest(manifestContent, ext)
	if err != nil {
		metrics.PluginLoads.WithLabelValues("manifest_invalid").Inc()
		return nil, err
	}

	entryBytes, ok := findEntry(entries, info.EntryPoint)
	if !ok {
		metrics.PluginLoads.WithLabelValues("entry_point_missing").Inc()
		return nil, herr.MalformedPackage("entry point file not present in package: " + info.EntryPoint)
	}

	metrics.PluginLoads.WithLabelValues("verified").Inc()
	return &Result{Manifest: info, EntryBytes: entryBytes}, nil
}

// findSignatureFile locates META-INF/SIGNATURE.RSA directly in the raw
// zip reader (it was excluded from readPackageEntries on purpose, since
// it must never participate in its own canonical message).
func findSignatureFile(zr *zip.Reader) ([]byte, error) {
	for _, f := range zr.File {
		if normalizePath(f.Name) == signatureEntry {
			rc, err := f.Open()
			if err != nil {
				return nil, herr.MalformedPackage("unreadable signature entry")
			}
			defer rc.Close()
			buf := new(bytes.Buffer)
			if _, err := buf.ReadFrom(rc); err != nil {
				return nil, herr.MalformedPackage("unreadable signature entry")
			}
			return buf.Bytes(), nil
		}
	}
	return nil, herr.MissingSignature()
}

// locateManifest finds plugin.json or plugin.toml among the canonical
// entries, preferring JSON if both are somehow present.
func locateManifest(entries []packageEntry) (path, ext string, content []byte, err error) {
	if c, ok := findEntry(entries, manifestJSON); ok {
		return manifestJSON, "json", c, nil
	}
	if c, ok := findEntry(entries, manifestTOML); ok {
		return manifestTOML, "toml", c, nil
	}
	return "", "", nil, herr.MalformedPackage("package contains no plugin.json or plugin.toml manifest")
}
