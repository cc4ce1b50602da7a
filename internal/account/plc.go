package account

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/primal-host/quartz-pds/internal/cbor"
	"github.com/primal-host/quartz-pds/internal/crypto"
)

// PLCOperation represents a did:plc genesis operation. This is the
// unsigned operation that gets DAG-CBOR-encoded to derive the DID.
type PLCOperation struct {
	Type               string     `json:"type"`
	RotationKeys       []string   `json:"rotationKeys"`
	VerificationMethod PLCVerify  `json:"verificationMethods"`
	AlsoKnownAs        []string   `json:"alsoKnownAs"`
	Services           PLCService `json:"services"`
}

// PLCVerify holds the atproto verification method.
type PLCVerify struct {
	Atproto string `json:"atproto"`
}

// PLCService holds the PDS service endpoint.
type PLCService struct {
	AtprotoPDS PLCEndpoint `json:"atproto_pds"`
}

// PLCEndpoint holds a service type and endpoint URL.
type PLCEndpoint struct {
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
}

// GeneratePLCDID derives a did:plc from a signing key, handle, and
// service endpoint. The process is:
//  1. Construct unsigned genesis operation
//  2. DAG-CBOR encode it (canonical sorted keys)
//  3. SHA-256 hash
//  4. Truncate to 15 bytes
//  5. base32 lowercase no padding
//  6. Prefix with "did:plc:"
//
// Returns the DID and the genesis operation for optional PLC directory
// registration.
func GeneratePLCDID(signingKey, handle, serviceEndpoint string) (string, *PLCOperation, error) {
	privKey, err := crypto.ParsePrivateKey(signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("plc: parse key: %w", err)
	}
	didKey := privKey.Public().DIDKey()

	op := &PLCOperation{
		Type:         "plc_operation",
		RotationKeys: []string{didKey},
		VerificationMethod: PLCVerify{
			Atproto: didKey,
		},
		AlsoKnownAs: []string{"at://" + handle},
		Services: PLCService{
			AtprotoPDS: PLCEndpoint{
				Type:     "AtprotoPersonalDataServer",
				Endpoint: serviceEndpoint,
			},
		},
	}

	cborBytes, err := EncodePLCOp(op)
	if err != nil {
		return "", nil, fmt.Errorf("plc: cbor encode: %w", err)
	}

	hash := sha256.Sum256(cborBytes)
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(hash[:15])
	return "did:plc:" + strings.ToLower(encoded), op, nil
}

// EncodePLCOp encodes a PLC operation as deterministic DAG-CBOR, the
// exact bytes the PLC directory hashes for DID derivation.
func EncodePLCOp(op *PLCOperation) ([]byte, error) {
	return cbor.Marshal(map[string]any{
		"type":         op.Type,
		"rotationKeys": toAnySlice(op.RotationKeys),
		"verificationMethods": map[string]any{
			"atproto": op.VerificationMethod.Atproto,
		},
		"alsoKnownAs": toAnySlice(op.AlsoKnownAs),
		"services": map[string]any{
			"atproto_pds": map[string]any{
				"type":     op.Services.AtprotoPDS.Type,
				"endpoint": op.Services.AtprotoPDS.Endpoint,
			},
		},
	})
}

// SignPLCOperation signs a PLC genesis operation with the given
// signing key and returns the base64url-encoded signature (no
// padding).
func SignPLCOperation(op *PLCOperation, signingKey string) (string, error) {
	cborBytes, err := EncodePLCOp(op)
	if err != nil {
		return "", fmt.Errorf("plc sign: cbor encode: %w", err)
	}

	privKey, err := crypto.ParsePrivateKey(signingKey)
	if err != nil {
		return "", fmt.Errorf("plc sign: parse key: %w", err)
	}

	sig, err := privKey.Sign(sha256.Sum256(cborBytes))
	if err != nil {
		return "", fmt.Errorf("plc sign: sign: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
