package dispatch

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/registry"
)

// OverflowMode decides what happens to a body longer than the service accepts.
type OverflowMode string

const (
	// OverflowUpstream sends the body as is and lets the service decide.
	OverflowUpstream OverflowMode = "upstream"
	// OverflowTruncate cuts the body at the limit.
	OverflowTruncate OverflowMode = "truncate"
	// OverflowSplit sends the body as several messages.
	OverflowSplit OverflowMode = "split"
)

func ParseOverflowMode(s string) (OverflowMode, error) {
	switch mode := OverflowMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case "":
		return OverflowUpstream, nil
	case OverflowUpstream, OverflowTruncate, OverflowSplit:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: invalid overflow mode %q", domain.ErrValidation, s)
	}
}

var (
	htmlBreak   = regexp.MustCompile(`(?i)<\s*(br\s*/?|/p|/div|/li|/h[1-6]|/tr)\s*>`)
	htmlTag     = regexp.MustCompile(`<[^>]*>`)
	blankLines  = regexp.MustCompile(`\n{3,}`)
	mdHeading   = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	mdLink      = regexp.MustCompile(`!?\[([^\]]*)\]\(([^)]*)\)`)
	mdListBlock = regexp.MustCompile(`(?m)^\s*>\s?`)
)

// Emphasis markers are removed only around a run of text. Single markers and
// __ must not touch a letter or digit on the outside, so snake_case names and
// 2*3*4 survive. Boundaries are captured because RE2 has no lookaround.
var mdEmphasis = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile("`([^`\n]+)`"), "$1"},
	{regexp.MustCompile(`\*\*(\S(?:[^*\n]*?\S)?)\*\*`), "$1"},
	{regexp.MustCompile(`~~(\S(?:[^~\n]*?\S)?)~~`), "$1"},
	{regexp.MustCompile(`(^|[^\p{L}\p{N}_])__(\S(?:[^_\n]*?\S)?)__($|[^\p{L}\p{N}_])`), "$1$2$3"},
	{regexp.MustCompile(`(^|[^\p{L}\p{N}*])\*(\S(?:[^*\n]*?\S)?)\*($|[^\p{L}\p{N}*])`), "$1$2$3"},
	{regexp.MustCompile(`(^|[^\p{L}\p{N}_])_(\S(?:[^_\n]*?\S)?)_($|[^\p{L}\p{N}_])`), "$1$2$3"},
}

// maxEmphasisPasses bounds the rewrite of adjacent spans, whose shared
// boundary character is consumed by the previous match.
const maxEmphasisPasses = 4

// ConvertBody renders body in the target format. Unsupported directions go
// through plain text.
func ConvertBody(body string, from, to domain.BodyFormat) string {
	if from == to {
		return body
	}

	text := body
	switch from {
	case domain.FormatHTML:
		text = htmlToText(body)
	case domain.FormatMarkdown:
		text = markdownToText(body)
	}

	if to == domain.FormatHTML {
		return strings.ReplaceAll(html.EscapeString(text), "\n", "<br/>")
	}
	return text
}

func htmlToText(s string) string {
	s = htmlBreak.ReplaceAllString(s, "\n")
	s = htmlTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func markdownToText(s string) string {
	s = mdLink.ReplaceAllString(s, "$1 ($2)")
	s = mdHeading.ReplaceAllString(s, "")
	s = mdListBlock.ReplaceAllString(s, "")
	s = stripEmphasis(s)
	return strings.TrimSpace(s)
}

func stripEmphasis(s string) string {
	for pass := 0; pass < maxEmphasisPasses; pass++ {
		next := s
		for _, e := range mdEmphasis {
			next = e.re.ReplaceAllString(next, e.repl)
		}
		if next == s {
			break
		}
		s = next
	}
	return s
}

// targetFormat picks what the service will receive for a payload in f.
func targetFormat(f domain.BodyFormat, caps registry.Capabilities) domain.BodyFormat {
	if caps.SupportsFormat(f) {
		return f
	}
	for _, preferred := range []domain.BodyFormat{domain.FormatText, domain.FormatHTML, domain.FormatMarkdown} {
		if caps.SupportsFormat(preferred) {
			return preferred
		}
	}
	return domain.FormatText
}

// Shape adapts a validated payload to a service's capabilities and returns
// the messages to send in order. Only the first message carries attachments.
func Shape(p domain.Payload, caps registry.Capabilities, mode OverflowMode) []domain.Payload {
	out := p
	out.Format = targetFormat(p.Format, caps)
	out.Body = ConvertBody(p.Body, p.Format, out.Format)
	out.Title = ConvertBody(p.Title, p.Format, domain.FormatText)

	if !caps.SupportsTitle && out.Title != "" {
		out.Body = foldTitle(out.Title, out.Body, out.Format)
		out.Title = ""
	}
	if caps.MaxTitleLength > 0 {
		out.Title = truncateRunes(out.Title, caps.MaxTitleLength)
	}

	limit := caps.MaxBodyLength
	if limit <= 0 || runeLen(out.Body) <= limit {
		return []domain.Payload{out}
	}

	switch mode {
	case OverflowTruncate:
		out.Body = truncateRunes(out.Body, limit)
		return []domain.Payload{out}
	case OverflowSplit:
		chunks := splitRunes(out.Body, limit)
		msgs := make([]domain.Payload, len(chunks))
		for i, chunk := range chunks {
			msg := out
			msg.Body = chunk
			if i > 0 {
				msg.Attachments = nil
				msg.Title = ""
			}
			msgs[i] = msg
		}
		return msgs
	default:
		return []domain.Payload{out}
	}
}

func foldTitle(title, body string, f domain.BodyFormat) string {
	switch f {
	case domain.FormatHTML:
		return "<b>" + html.EscapeString(title) + "</b><br/>" + body
	case domain.FormatMarkdown:
		return "**" + title + "**\n" + body
	default:
		return title + "\r\n" + body
	}
}

func runeLen(s string) int {
	return len([]rune(s))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// splitRunes cuts s into chunks of at most n runes, preferring to break on
// whitespace in the second half of a chunk.
func splitRunes(s string, n int) []string {
	r := []rune(s)
	var chunks []string
	for len(r) > n {
		cut := n
		for i := n; i > n/2; i-- {
			if unicode.IsSpace(r[i]) {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRightFunc(string(r[:cut]), unicode.IsSpace))
		r = r[cut:]
		for len(r) > 0 && unicode.IsSpace(r[0]) {
			r = r[1:]
		}
	}
	if len(r) > 0 {
		chunks = append(chunks, string(r))
	}
	return chunks
}
