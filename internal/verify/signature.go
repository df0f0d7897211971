package verify

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"

	herr "github.com/connectias/pluginhost/internal/obs/errors"
)

// TrustedKeySet holds the RSA public keys the host accepts signatures
// from (spec §4.1: "against a configured trusted-key set").
type TrustedKeySet struct {
	keys []*rsa.PublicKey
}

// NewTrustedKeySet builds a key set from PEM-encoded public keys.
func NewTrustedKeySet(pemBlocks ...[]byte) (*TrustedKeySet, error) {
	set := &TrustedKeySet{}
	for _, raw := range pemBlocks {
		key, err := parsePublicKeyPEM(raw)
		if err != nil {
			return nil, err
		}
		set.keys = append(set.keys, key)
	}
	return set, nil
}

func parsePublicKeyPEM(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, herr.MalformedPackage("trusted key is not valid PEM")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if rsaPub, ok := pub.(*rsa.PublicKey); ok {
			return rsaPub, nil
		}
		return nil, herr.MalformedPackage("trusted key is not an RSA public key")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, herr.Wrap("InvalidInput", "failed to parse trusted key", err)
	}
	rsaPub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, herr.MalformedPackage("trusted key is not an RSA public key")
	}
	return rsaPub, nil
}

// Empty reports whether the set has no keys loaded.
func (s *TrustedKeySet) Empty() bool { return s == nil || len(s.keys) == 0 }

// verify checks sig (raw bytes, PKCS1v15) against message's SHA-256
// digest using every trusted key until one succeeds. Returns
// InvalidSignature if none match.
func (s *TrustedKeySet) verify(message, sig []byte) error {
	if s.Empty() {
		return herr.InvalidSignature(herr.New("Internal", "no trusted keys configured"))
	}
	digest := sha256.Sum256(message)
	var lastErr error
	for _, key := range s.keys {
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return herr.InvalidSignature(lastErr)
}

// decodeSignature accepts either raw PKCS1v15 bytes or a base64-encoded
// ASCII signature entry, matching the two plausible signer encodings.
func decodeSignature(raw []byte) []byte {
	trimmed := trimASCIIWhitespace(raw)
	if decoded, err := base64.StdEncoding.DecodeString(string(trimmed)); err == nil {
		return decoded
	}
	return raw
}

func trimASCIIWhitespace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isASCIISpace(b[start]) {
		start++
	}
	for end > start && isASCIISpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isASCIISpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// Sign produces a PKCS1v15/SHA-256 signature over message. Nothing in
// this module calls it; internal/testsign signs fixtures with its own
// copy of this routine.
func Sign(priv *rsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
}
