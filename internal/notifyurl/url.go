// Package notifyurl decodes notification target URLs of the form
//
//	scheme://[user[:password]@]host[:port][/path][?key=value[&key=value...]]
//
// into a ParsedURL. Decoding is pure: it performs no I/O and does not know
// which schemes are registered, so unknown schemes decode successfully and are
// rejected later by the registry.
package notifyurl

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kursadbilgin/fanout/internal/domain"
)

// Reserved query keys consumed by the decoder.
const (
	KeyTag      = "tag"
	KeyUser     = "user"
	KeyPass     = "pass"
	KeyPassword = "password"
	KeyToken    = "token"
	KeyVerify   = "verify"

	headerPrefix = "+"
)

var (
	schemeRe   = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)
	pathSplit  = regexp.MustCompile(`[ \t\r\n,\\/]+`)
	listSplit  = regexp.MustCompile(`[\s,]+`)
	secretKeys = map[string]struct{}{
		"apikey": {}, "key": {}, "secret": {}, "token": {}, "password": {}, "pass": {},
	}
)

// Credentials holds the authentication parts of a URL.
type Credentials struct {
	User     string
	Password string
	Token    string
}

// ParsedURL is the canonical decoded form of a notification URL. Values
// returned by Decode own their maps and slices; treat them as read-only and
// use Clone before deriving a modified copy.
type ParsedURL struct {
	Raw         string
	Scheme      string
	Secure      bool
	Host        string
	Port        int
	Path        string
	Query       map[string]string
	Credentials Credentials
	Tags        []string
	Headers     map[string]string
	Verify      bool

	rawPath string
}

// Decode parses raw into a ParsedURL. It fails with domain.ErrParse when the
// string does not follow the grammar, the scheme is empty, the port is not
// numeric or percent-decoding fails.
func Decode(raw string) (ParsedURL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ParsedURL{}, fmt.Errorf("%w: empty url", domain.ErrParse)
	}

	sep := strings.Index(trimmed, "://")
	if sep < 0 {
		return ParsedURL{}, fmt.Errorf("%w: missing scheme separator in %q", domain.ErrParse, Redact(trimmed))
	}
	scheme := strings.ToLower(trimmed[:sep])
	if scheme == "" {
		return ParsedURL{}, fmt.Errorf("%w: empty scheme", domain.ErrParse)
	}
	if !schemeRe.MatchString(scheme) {
		return ParsedURL{}, fmt.Errorf("%w: invalid scheme %q", domain.ErrParse, scheme)
	}

	rest := trimmed[sep+3:]
	rawQuery := ""
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		rawQuery = rest[q+1:]
		rest = rest[:q]
	}

	authority := rest
	rawPath := ""
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		authority = rest[:slash]
		rawPath = rest[slash:]
	}

	parsed := ParsedURL{
		Raw:     trimmed,
		Scheme:  scheme,
		Secure:  strings.HasSuffix(scheme, "s"),
		Query:   map[string]string{},
		Headers: map[string]string{},
		Verify:  true,
		rawPath: rawPath,
	}

	hostport := authority
	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		creds, err := decodeUserInfo(authority[:at])
		if err != nil {
			return ParsedURL{}, err
		}
		parsed.Credentials = creds
		hostport = authority[at+1:]
	}

	host, port, err := splitHostPort(hostport)
	if err != nil {
		return ParsedURL{}, err
	}
	parsed.Host = host
	parsed.Port = port

	if rawPath != "" {
		path, err := url.PathUnescape(rawPath)
		if err != nil {
			return ParsedURL{}, fmt.Errorf("%w: invalid path escape: %v", domain.ErrParse, err)
		}
		parsed.Path = path
	}

	if err := parsed.decodeQuery(rawQuery); err != nil {
		return ParsedURL{}, err
	}

	return parsed, nil
}

func decodeUserInfo(userinfo string) (Credentials, error) {
	var creds Credentials
	user, pass, hasPass := strings.Cut(userinfo, ":")

	decodedUser, err := url.PathUnescape(user)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: invalid user escape: %v", domain.ErrParse, err)
	}
	creds.User = decodedUser

	if hasPass {
		decodedPass, err := url.PathUnescape(pass)
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: invalid password escape: %v", domain.ErrParse, err)
		}
		creds.Password = decodedPass
	}
	return creds, nil
}

func splitHostPort(hostport string) (string, int, error) {
	host := hostport
	portStr := ""

	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return "", 0, fmt.Errorf("%w: unterminated ipv6 host", domain.ErrParse)
		}
		host = hostport[1:end]
		tail := hostport[end+1:]
		if tail != "" {
			if !strings.HasPrefix(tail, ":") {
				return "", 0, fmt.Errorf("%w: unexpected %q after ipv6 host", domain.ErrParse, tail)
			}
			portStr = tail[1:]
		}
	} else if colon := strings.LastIndexByte(hostport, ':'); colon >= 0 {
		host = hostport[:colon]
		portStr = hostport[colon+1:]
	}

	decodedHost, err := url.PathUnescape(host)
	if err != nil {
		return "", 0, fmt.Errorf("%w: invalid host escape: %v", domain.ErrParse, err)
	}
	if decodedHost == "" {
		return "", 0, fmt.Errorf("%w: host is required", domain.ErrParse)
	}

	if portStr == "" {
		return decodedHost, 0, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("%w: invalid port %q", domain.ErrParse, portStr)
	}
	return decodedHost, port, nil
}

// decodeQuery splits the raw query on '&'. Keys are lowercased (header keys
// keep their case), '+' is kept literally and the last duplicate wins.
func (u *ParsedURL) decodeQuery(rawQuery string) error {
	if rawQuery == "" {
		return nil
	}

	var (
		pass, password       string
		hasPass, hasPassword bool
	)

	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.PathUnescape(rawKey)
		if err != nil {
			return fmt.Errorf("%w: invalid query key escape: %v", domain.ErrParse, err)
		}
		value, err := url.PathUnescape(rawValue)
		if err != nil {
			return fmt.Errorf("%w: invalid query value escape for %q: %v", domain.ErrParse, key, err)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}

		if strings.HasPrefix(key, headerPrefix) {
			if name := strings.TrimSpace(key[len(headerPrefix):]); name != "" {
				u.Headers[name] = value
			}
			continue
		}

		switch lower := strings.ToLower(key); lower {
		case KeyTag:
			u.Tags = ParseList(value)
		case KeyUser:
			u.Credentials.User = value
		case KeyPass:
			pass, hasPass = value, true
		case KeyPassword:
			password, hasPassword = value, true
		case KeyToken:
			u.Credentials.Token = value
		case KeyVerify:
			u.Verify = ParseBool(value, true)
		default:
			u.Query[lower] = value
		}
	}

	// pass is the short alias and takes precedence when both are given.
	if hasPassword {
		u.Credentials.Password = password
	}
	if hasPass {
		u.Credentials.Password = pass
	}
	return nil
}

// Param returns the query value for key and whether it was present.
func (u ParsedURL) Param(key string) (string, bool) {
	v, ok := u.Query[strings.ToLower(key)]
	return v, ok
}

// PathSegments splits the path on '/', ',' and whitespace and unescapes each
// segment on its own, so an encoded slash stays inside its segment.
func (u ParsedURL) PathSegments() []string {
	raw := strings.TrimLeft(u.rawPath, "/")
	if raw == "" {
		return nil
	}
	parts := pathSplit.Split(raw, -1)
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		decoded, err := url.PathUnescape(part)
		if err != nil {
			decoded = part
		}
		segments = append(segments, decoded)
	}
	return segments
}

// EscapedPath returns the path as written in the URL, percent escapes intact.
func (u ParsedURL) EscapedPath() string {
	return u.rawPath
}

// HostPort returns host[:port].
func (u ParsedURL) HostPort() string {
	if u.Port == 0 {
		if strings.Contains(u.Host, ":") {
			return "[" + u.Host + "]"
		}
		return u.Host
	}
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// Clone returns a deep copy whose maps and slices can be modified freely.
func (u ParsedURL) Clone() ParsedURL {
	out := u
	out.Query = make(map[string]string, len(u.Query))
	for k, v := range u.Query {
		out.Query[k] = v
	}
	out.Headers = make(map[string]string, len(u.Headers))
	for k, v := range u.Headers {
		out.Headers[k] = v
	}
	if u.Tags != nil {
		out.Tags = append([]string(nil), u.Tags...)
	}
	return out
}

// String renders the URL with secrets masked. It is safe to log.
func (u ParsedURL) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")

	if u.Credentials.User != "" {
		b.WriteString(url.PathEscape(u.Credentials.User))
		if u.Credentials.Password != "" {
			b.WriteString(":****")
		}
		b.WriteString("@")
	} else if u.Credentials.Password != "" {
		b.WriteString(":****@")
	}

	b.WriteString(u.HostPort())
	if u.Path != "" {
		b.WriteString(u.Path)
	} else {
		b.WriteString("/")
	}

	keys := make([]string, 0, len(u.Query))
	for k := range u.Query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := make([]string, 0, len(keys)+2)
	for _, k := range keys {
		v := u.Query[k]
		if _, secret := secretKeys[k]; secret {
			v = mask(v)
		}
		params = append(params, url.QueryEscape(k)+"="+url.QueryEscape(v))
	}
	if u.Credentials.Token != "" {
		params = append(params, KeyToken+"="+url.QueryEscape(mask(u.Credentials.Token)))
	}
	if len(u.Tags) > 0 {
		params = append(params, KeyTag+"="+url.QueryEscape(strings.Join(u.Tags, ",")))
	}
	if len(params) > 0 {
		b.WriteString("?")
		b.WriteString(strings.Join(params, "&"))
	}
	return b.String()
}

// ParseBool interprets the yes/no style flags accepted in query strings.
func ParseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "y", "yes", "true", "on", "enable", "enabled", "allow":
		return true
	case "0", "n", "no", "false", "off", "disable", "disabled", "deny", "never":
		return false
	}
	return def
}

// ParseList splits a comma or whitespace separated list, dropping empty and
// duplicate entries while keeping first-seen order.
func ParseList(s string) []string {
	parts := listSplit.Split(strings.TrimSpace(s), -1)
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func mask(s string) string {
	switch n := len(s); {
	case n == 0:
		return ""
	case n <= 2:
		return "****"
	default:
		return s[:1] + "..." + s[n-1:]
	}
}

// Redact shortens s so logs and errors never echo a full URL with its secrets.
func Redact(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8] + "..."
}
