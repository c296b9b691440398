package auth

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// ParseSigningKey parses a PKCS#8-encoded ECDSA P-256 private key, in
// either PEM or raw DER form, as issued by Apple's developer portal for
// provider-token authentication. Parsing lives here rather than behind a
// third-party dependency: crypto/x509 is the standard library's own
// PKCS#8 decoder and every pack example that touches a .p8 key reaches
// for exactly this, not a third-party ASN.1 library.
func ParseSigningKey(data []byte) (*ecdsa.PrivateKey, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}

	key, err := x509.ParsePKCS8PrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("auth: parse PKCS8 key: %w", err)
	}

	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: signing key is %T, want *ecdsa.PrivateKey", key)
	}
	return ecKey, nil
}
