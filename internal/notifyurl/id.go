package notifyurl

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

const idLength = 12

// ID returns a short stable identifier for the target the URL addresses. It
// covers scheme, credentials, host, port and path; query parameters are
// options and never change the identity.
func (u ParsedURL) ID() string {
	h := sha256.New()
	for _, part := range []string{
		u.Scheme,
		u.Credentials.User,
		u.Credentials.Password,
		u.Credentials.Token,
		strings.ToLower(u.Host),
		strconv.Itoa(u.Port),
		strings.TrimRight(u.Path, "/"),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:idLength]
}

// RawID identifies a line that could not be decoded, so it can still be
// reported.
func RawID(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])[:idLength]
}
