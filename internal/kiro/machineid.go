package kiro

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MachineID derives the 64-character hex machine identifier for a
// credential. The derivation is deterministic over the refresh token,
// client id and Kiro version so that the User-Agent a credential
// presents stays stable across restarts; the pool stores the result
// back onto the record after the first computation.
func MachineID(creds Credentials, kiroVersion string) (string, error) {
	if creds.MachineID != "" {
		return creds.MachineID, nil
	}
	if creds.RefreshToken == "" {
		return "", fmt.Errorf("无法生成 machineId: 缺少 refreshToken")
	}

	h := sha256.New()
	h.Write([]byte(creds.RefreshToken))
	h.Write([]byte{'|'})
	h.Write([]byte(creds.ClientID))
	h.Write([]byte{'|'})
	h.Write([]byte(kiroVersion))
	return hex.EncodeToString(h.Sum(nil)), nil
}
