package stream

import (
	"net/url"
	"sort"
	"strings"

	"github.com/jeffkershner/pulse/pkg/models"
)

// StreamURL builds {base}/stream?symbols=A,B&token=T.
func StreamURL(base string, symbols []string, token string) string {
	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))
	q.Set("token", token)
	return strings.TrimRight(base, "/") + "/stream?" + q.Encode()
}

// NormalizeSymbols upper-cases, deduplicates and sorts symbols, dropping blanks.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = models.NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
