package prescription

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// CodeLength is the fixed length of a prescription code
const CodeLength = 8

const (
	codeLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeDigits  = "0123456789"
)

// ValidCode reports whether code is 8 characters made of exactly four
// uppercase ASCII letters and four digits, in any order.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	letters, digits := 0, 0
	for i := 0; i < len(code); i++ {
		switch c := code[i]; {
		case c >= 'A' && c <= 'Z':
			letters++
		case c >= '0' && c <= '9':
			digits++
		default:
			return false
		}
	}
	return letters == CodeLength/2 && digits == CodeLength/2
}

// GenerateCode returns a random code in the ValidCode format
func GenerateCode() (string, error) {
	buf := make([]byte, 0, CodeLength)
	for i := 0; i < CodeLength/2; i++ {
		l, err := randomByte(codeLetters)
		if err != nil {
			return "", err
		}
		d, err := randomByte(codeDigits)
		if err != nil {
			return "", err
		}
		buf = append(buf, l, d)
	}

	// Fisher-Yates so letters and digits land in any position
	for i := len(buf) - 1; i > 0; i-- {
		j, err := randomInt(i + 1)
		if err != nil {
			return "", err
		}
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf), nil
}

func randomByte(alphabet string) (byte, error) {
	i, err := randomInt(len(alphabet))
	if err != nil {
		return 0, err
	}
	return alphabet[i], nil
}

func randomInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("generate code: %w", err)
	}
	return int(v.Int64()), nil
}
