// Package attachment resolves attachment references into bytes once per
// notification.
package attachment

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/kursadbilgin/fanout/internal/domain"
)

// Kind says where an attachment's bytes come from.
type Kind string

const (
	KindPath  Kind = "path"
	KindURL   Kind = "url"
	KindBytes Kind = "bytes"
)

// Reference points at attachment content without loading it.
type Reference struct {
	Kind     Kind
	Location string
	Data     []byte
	MimeHint string
	Name     string
}

// PathRef references a local file.
func PathRef(p string) Reference {
	return Reference{Kind: KindPath, Location: p}
}

// URLRef references a remote http(s) resource.
func URLRef(u string) Reference {
	return Reference{Kind: KindURL, Location: u}
}

// BytesRef wraps in-memory content.
func BytesRef(name string, data []byte, mimeHint string) Reference {
	return Reference{Kind: KindBytes, Name: name, Data: data, MimeHint: mimeHint}
}

// ParseRef classifies a location string: http(s) URLs are remote, file://
// URLs and everything else are local paths.
func ParseRef(location string) Reference {
	trimmed := strings.TrimSpace(location)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return URLRef(trimmed)
	case strings.HasPrefix(lower, "file://"):
		if u, err := url.Parse(trimmed); err == nil {
			return PathRef(u.Path)
		}
	}
	return PathRef(trimmed)
}

func (r Reference) Validate() error {
	switch r.Kind {
	case KindPath, KindURL:
		if strings.TrimSpace(r.Location) == "" {
			return fmt.Errorf("%w: attachment location is required", domain.ErrValidation)
		}
	case KindBytes:
		if r.Data == nil {
			return fmt.Errorf("%w: attachment data is required", domain.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown attachment kind %q", domain.ErrValidation, r.Kind)
	}
	if r.Kind == KindURL {
		u, err := url.Parse(r.Location)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: invalid attachment url %q", domain.ErrValidation, r.Location)
		}
	}
	return nil
}

// DisplayName is the explicit name or the last element of the location.
func (r Reference) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	switch r.Kind {
	case KindPath:
		return filepath.Base(r.Location)
	case KindURL:
		if u, err := url.Parse(r.Location); err == nil {
			if base := path.Base(u.Path); base != "." && base != "/" {
				return base
			}
		}
	}
	return "attachment"
}
