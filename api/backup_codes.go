package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jmcleod/sessiongate/internal/util"
)

const (
	backupCodeCount = 10
	backupCodeLen   = 8
)

// hashedBackupCode is the stored form of a one-time backup code.
type hashedBackupCode struct {
	Hash string
	Used bool
}

// generateBackupCodes returns the plaintext codes, shown to the user once,
// and the hashes to keep on the account.
func generateBackupCodes(count int) ([]string, []hashedBackupCode, error) {
	plaintext := make([]string, 0, count)
	hashed := make([]hashedBackupCode, 0, count)
	seen := make(map[string]bool, count)
	for len(plaintext) < count {
		code, err := util.RandomChars(backupCodeLen)
		if err != nil {
			return nil, nil, fmt.Errorf("generating backup code: %w", err)
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		plaintext = append(plaintext, code)
		hashed = append(hashed, hashedBackupCode{Hash: hashBackupCode(code)})
	}
	return plaintext, hashed, nil
}

// hashBackupCode ignores case, dashes and spaces so "abcd-efgh" matches
// "ABCDEFGH".
func hashBackupCode(code string) string {
	normalized := strings.ToUpper(code)
	normalized = strings.NewReplacer("-", "", " ", "").Replace(normalized)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// matchBackupCode returns the index of the unused code equal to input.
// Every stored hash is compared so timing does not reveal the position.
func matchBackupCode(codes []hashedBackupCode, input string) (int, bool) {
	candidate := []byte(hashBackupCode(input))
	found := -1
	for i, c := range codes {
		if c.Used {
			continue
		}
		if subtle.ConstantTimeCompare(candidate, []byte(c.Hash)) == 1 && found < 0 {
			found = i
		}
	}
	return found, found >= 0
}

func countUnusedBackupCodes(codes []hashedBackupCode) int {
	n := 0
	for _, c := range codes {
		if !c.Used {
			n++
		}
	}
	return n
}
