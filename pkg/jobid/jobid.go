// Package jobid mints short human-readable job identifiers of the form
// <word>-<word>-<6 hex>. The words make ids easy to say out loud; collision
// resistance comes from the 24 random suffix bits, drawn from crypto/rand.
package jobid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// MaxLength bounds a minted id. Both dictionaries are short enough that the
// bound always holds; it is enforced anyway to keep the contract explicit.
const MaxLength = 40

// New returns a fresh job id matching ^[a-z]+-[a-z]+-[0-9a-f]{6}$.
func New() (string, error) {
	suffix := make([]byte, 3)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("read random suffix: %w", err)
	}

	layout, err := randInt(3)
	if err != nil {
		return "", err
	}

	var first, second string
	switch layout {
	case 0:
		first, err = pick(adjectives)
		if err != nil {
			return "", err
		}
		second, err = pick(nouns)
		if err != nil {
			return "", err
		}
	case 1:
		first, err = pick(nouns)
		if err != nil {
			return "", err
		}
		second, err = pick(adjectives)
		if err != nil {
			return "", err
		}
	default:
		first, err = pick(nouns)
		if err != nil {
			return "", err
		}
		for {
			second, err = pick(nouns)
			if err != nil {
				return "", err
			}
			if second != first {
				break
			}
		}
	}

	id := first + "-" + second + "-" + hex.EncodeToString(suffix)
	if len(id) > MaxLength {
		id = id[:MaxLength]
	}
	return id, nil
}

func pick(words []string) (string, error) {
	i, err := randInt(len(words))
	if err != nil {
		return "", err
	}
	return words[i], nil
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("read random int: %w", err)
	}
	return int(v.Int64()), nil
}
