package verification

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// GenerateCode returns a uniformly random decimal code of n digits, left
// zero-padded. Leading zeros are significant: the code is a string.
func GenerateCode(n int) (string, error) {
	if n <= 0 || n > 18 {
		return "", fmt.Errorf("invalid code length %d", n)
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", n, v.Int64()), nil
}
