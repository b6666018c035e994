// Package registry maps notification URL schemes to service descriptors.
//
// A Registry is populated once at startup and then frozen. Register and
// Override are not safe to call concurrently with Lookup; after Freeze the
// registry is read-only and may be shared by any number of goroutines.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/notifyurl"
	"github.com/kursadbilgin/fanout/internal/provider"
)

var (
	ErrSchemeConflict = errors.New("scheme already registered")
	ErrRegistryFrozen = errors.New("registry is frozen")
)

// Capabilities declares what a service can accept.
type Capabilities struct {
	// MaxBodyLength is the body limit in characters; 0 means unbounded.
	MaxBodyLength int
	// MaxTitleLength caps the title in characters; 0 means unbounded.
	MaxTitleLength      int
	SupportsTitle       bool
	SupportsAttachments bool
	BodyFormats         []domain.BodyFormat
	DefaultThrottle     time.Duration
}

// SupportsFormat reports whether f is accepted natively. A service that
// declares no formats accepts plain text only.
func (c Capabilities) SupportsFormat(f domain.BodyFormat) bool {
	if len(c.BodyFormats) == 0 {
		return f == domain.FormatText
	}
	for _, supported := range c.BodyFormats {
		if supported == f {
			return true
		}
	}
	return false
}

// Factory validates decoded URL parameters and builds a ready provider.
type Factory func(u notifyurl.ParsedURL) (provider.Provider, error)

// Descriptor describes one pluggable service.
type Descriptor struct {
	Name         string
	Schemes      []string
	Capabilities Capabilities
	Factory      Factory
}

// Entry pairs a scheme with its descriptor.
type Entry struct {
	Scheme     string
	Descriptor *Descriptor
}

type Registry struct {
	frozen  bool
	entries map[string]*Descriptor
}

func New() *Registry {
	return &Registry{entries: map[string]*Descriptor{}}
}

// Register adds d under every scheme it declares. It rejects the whole
// descriptor when any of its schemes is already taken.
func (r *Registry) Register(d Descriptor) error {
	return r.put(d, false)
}

// Override registers d, replacing any descriptor bound to its schemes.
func (r *Registry) Override(d Descriptor) error {
	return r.put(d, true)
}

func (r *Registry) put(d Descriptor, override bool) error {
	if r.frozen {
		return ErrRegistryFrozen
	}

	schemes, err := normalizeDescriptor(&d)
	if err != nil {
		return err
	}

	if !override {
		for _, scheme := range schemes {
			if existing, ok := r.entries[scheme]; ok {
				return fmt.Errorf("%w: %q is bound to %s", ErrSchemeConflict, scheme, existing.Name)
			}
		}
	}

	stored := d
	stored.Schemes = schemes
	stored.Capabilities.BodyFormats = append([]domain.BodyFormat(nil), d.Capabilities.BodyFormats...)
	for _, scheme := range schemes {
		r.entries[scheme] = &stored
	}
	return nil
}

func normalizeDescriptor(d *Descriptor) ([]string, error) {
	if strings.TrimSpace(d.Name) == "" {
		return nil, fmt.Errorf("%w: descriptor name is required", domain.ErrValidation)
	}
	if d.Factory == nil {
		return nil, fmt.Errorf("%w: descriptor %s has no factory", domain.ErrValidation, d.Name)
	}
	if len(d.Schemes) == 0 {
		return nil, fmt.Errorf("%w: descriptor %s declares no schemes", domain.ErrValidation, d.Name)
	}
	for _, f := range d.Capabilities.BodyFormats {
		if !f.IsValid() {
			return nil, fmt.Errorf("%w: descriptor %s declares invalid format %q", domain.ErrValidation, d.Name, f)
		}
	}
	if d.Capabilities.MaxBodyLength < 0 || d.Capabilities.MaxTitleLength < 0 || d.Capabilities.DefaultThrottle < 0 {
		return nil, fmt.Errorf("%w: descriptor %s declares negative limits", domain.ErrValidation, d.Name)
	}

	seen := make(map[string]struct{}, len(d.Schemes))
	schemes := make([]string, 0, len(d.Schemes))
	for _, s := range d.Schemes {
		scheme := strings.ToLower(strings.TrimSpace(s))
		if scheme == "" {
			return nil, fmt.Errorf("%w: descriptor %s declares an empty scheme", domain.ErrValidation, d.Name)
		}
		if _, dup := seen[scheme]; dup {
			continue
		}
		seen[scheme] = struct{}{}
		schemes = append(schemes, scheme)
	}
	return schemes, nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.frozen = true
}

func (r *Registry) Frozen() bool {
	return r.frozen
}

// Lookup returns the descriptor for scheme or domain.ErrUnsupportedScheme.
func (r *Registry) Lookup(scheme string) (*Descriptor, error) {
	d, ok := r.entries[strings.ToLower(strings.TrimSpace(scheme))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedScheme, scheme)
	}
	return d, nil
}

// All lists every scheme with its descriptor, sorted by scheme.
func (r *Registry) All() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for scheme, d := range r.entries {
		out = append(out, Entry{Scheme: scheme, Descriptor: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scheme < out[j].Scheme })
	return out
}

// Build resolves u's scheme and runs the descriptor factory. Factory
// failures are wrapped in domain.ErrValidation.
func (r *Registry) Build(u notifyurl.ParsedURL) (provider.Provider, *Descriptor, error) {
	d, err := r.Lookup(u.Scheme)
	if err != nil {
		return nil, nil, err
	}

	p, err := d.Factory(u.Clone())
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return nil, d, err
		}
		return nil, d, fmt.Errorf("%w: %s: %v", domain.ErrValidation, d.Name, err)
	}
	if p == nil {
		return nil, d, fmt.Errorf("%w: %s factory returned no provider", domain.ErrValidation, d.Name)
	}
	return p, d, nil
}
