// Command rfkeygen generates a rediflare API key of the form
// rf_key_<tenantID>_<token> using a URL-safe alphabet with vowels removed
// so generated keys never spell words.
package main

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"

	"github.com/rediflare/rediflare/internal/config"
	"github.com/rediflare/rediflare/internal/naming"
)

const (
	alphabet    = "0123456789BCDFGHJKLMNPQRSTVWXZbcdfghjklmnpqrstvwxz"
	tenantIDLen = 32
	tokenLen    = 36
)

func randomString(n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b), nil
}

func main() {
	tenantID, err := randomString(tenantIDLen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	token, err := randomString(tokenLen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	key := naming.APIKeyPrefix + tenantID + "_" + token
	if config.IsWeakToken(token) {
		fmt.Fprintln(os.Stderr, "warning: generated token scored weak, regenerate")
	}
	fmt.Println(key)
}
