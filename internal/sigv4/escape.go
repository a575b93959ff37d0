package sigv4

import (
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// URIEncode escapes s with the SigV4 rules: every byte except the
// unreserved set A-Z a-z 0-9 - _ . ~ is percent-encoded with upper case hex.
// Slashes are kept when encodeSlash is false.
func URIEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

// EscapePath escapes an object path for use on the wire and in the
// canonical request.
func EscapePath(p string) string {
	return URIEncode(p, false)
}

// CanonicalQuery encodes values sorted by key and then by value, each pair
// escaped with URIEncode. Keys without a value are emitted as "key=".
func CanonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, URIEncode(k, true)+"="+URIEncode(v, true))
		}
	}

	return strings.Join(parts, "&")
}
