// Package fingerprint derives stable device keys from connection metadata.
//
// A fingerprint groups live sessions by apparent device: it is a one-way
// SHA-256 hash over the client's network origin and its declared identity
// string (typically the User-Agent header). It is deliberately NOT an
// authentication boundary. Two devices behind the same NAT presenting the
// same identity string collide, and a client that changes its identity
// string gets a new fingerprint. Callers must treat it as a best-effort
// grouping heuristic for capacity control, nothing more.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Size is the length of a Fingerprint in bytes.
const Size = sha256.Size

// unknownIdentity substitutes for an empty or missing identity string so
// that absent metadata still yields a well-formed key.
const unknownIdentity = "unknown"

// Fingerprint is an opaque fixed-size device key. It is only ever used for
// equality and as a map key; it is never reversed or interpreted.
type Fingerprint [Size]byte

// Derive computes the fingerprint for an (origin, identity) pair.
//
// The same pair always yields the same key: inputs are normalized
// (origin lowercased and trimmed, identity trimmed, empty identity mapped
// to "unknown") and joined with a separator so that shifting bytes between
// the two inputs cannot produce the same digest.
func Derive(origin, identity string) Fingerprint {
	o := strings.ToLower(strings.TrimSpace(origin))
	id := strings.TrimSpace(identity)
	if id == "" {
		id = unknownIdentity
	}

	h := sha256.New()
	h.Write([]byte(o))
	h.Write([]byte{'|'})
	h.Write([]byte(id))

	var fp Fingerprint
	h.Sum(fp[:0])
	return fp
}

// FromRequest derives the fingerprint for an inbound HTTP request using the
// connection's remote address and the User-Agent header. Trust decisions
// about forwarding headers belong to the deployment in front of this
// process; this helper only ever looks at what the server itself observed.
func FromRequest(r *http.Request) Fingerprint {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return Derive(host, r.Header.Get("User-Agent"))
}

// String renders the full key as lowercase hex.
func (fp Fingerprint) String() string {
	return hex.EncodeToString(fp[:])
}

// Short renders the first four bytes as hex. Suitable for logs and stats
// payloads where the full key is noise.
func (fp Fingerprint) Short() string {
	return hex.EncodeToString(fp[:4])
}
