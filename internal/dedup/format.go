package dedup

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/push-fanout/internal/domain"
)

// DefaultTokenPrefixes are the prefixes issued by the Expo push service.
var DefaultTokenPrefixes = []string{"ExponentPushToken[", "ExpoPushToken["}

const tokenSuffix = "]"

// TokenFormat is the provider-defined shape of an eligible push token: a known
// prefix, a non-empty opaque body and a closing bracket.
type TokenFormat struct {
	prefixes []string
}

func NewTokenFormat(prefixes ...string) TokenFormat {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, DefaultTokenPrefixes...)
	}
	return TokenFormat{prefixes: cleaned}
}

// Valid reports whether token may be dispatched to. Tokens are compared
// literally; no trimming or case folding is applied.
func (f TokenFormat) Valid(token string) bool {
	return f.Check(token) == nil
}

// Check returns ErrMalformedToken describing why token is not eligible.
func (f TokenFormat) Check(token string) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", domain.ErrMalformedToken)
	}

	prefixes := f.prefixes
	if len(prefixes) == 0 {
		prefixes = DefaultTokenPrefixes
	}

	for _, prefix := range prefixes {
		if !strings.HasPrefix(token, prefix) {
			continue
		}
		body, ok := strings.CutSuffix(token[len(prefix):], tokenSuffix)
		if !ok {
			return fmt.Errorf("%w: missing closing %q", domain.ErrMalformedToken, tokenSuffix)
		}
		if strings.TrimSpace(body) == "" {
			return fmt.Errorf("%w: empty token body", domain.ErrMalformedToken)
		}
		return nil
	}

	return fmt.Errorf("%w: unknown token prefix", domain.ErrMalformedToken)
}
