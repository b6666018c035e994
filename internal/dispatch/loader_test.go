package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/notifyurl"
	"github.com/kursadbilgin/fanout/internal/provider"
	"github.com/kursadbilgin/fanout/internal/registry"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingProvider struct {
	url notifyurl.ParsedURL
}

func (p *recordingProvider) Send(ctx context.Context, payload domain.Payload) (*provider.ProviderResponse, error) {
	return &provider.ProviderResponse{}, nil
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	reg := registry.New()
	err := reg.Register(registry.Descriptor{
		Name:    "Fake",
		Schemes: []string{"fake", "fakes"},
		Capabilities: registry.Capabilities{
			SupportsTitle:   true,
			DefaultThrottle: 2 * time.Second,
		},
		Factory: func(u notifyurl.ParsedURL) (provider.Provider, error) {
			if u.Host == "reject" {
				return nil, fmt.Errorf("host %q is not allowed", u.Host)
			}
			return &recordingProvider{url: u}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	reg.Freeze()
	return reg
}

func TestLoaderLoad(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	loader := NewLoader(newTestRegistry(t), zap.New(core))

	targets := loader.Load([]string{
		"fake://alpha?tag=ops,db",
		"",
		"nope://beta",
		"::not a url",
		"fake://reject",
		"fakes://gamma?throttle=250ms&overflow=split",
	})

	if len(targets) != 5 {
		t.Fatalf("len(targets) = %d, want 5", len(targets))
	}

	alpha := targets[0]
	if alpha.Err != nil || alpha.Service != "Fake" || alpha.ThrottleInterval() != 2*time.Second {
		t.Fatalf("alpha = %+v, want bound with default throttle", alpha)
	}
	if len(alpha.Tags) != 2 || alpha.Tags[0] != "ops" {
		t.Fatalf("alpha.Tags = %v, want [ops db]", alpha.Tags)
	}

	if !errors.Is(targets[1].Err, domain.ErrUnsupportedScheme) {
		t.Fatalf("nope Err = %v, want ErrUnsupportedScheme", targets[1].Err)
	}
	if !errors.Is(targets[2].Err, domain.ErrParse) {
		t.Fatalf("garbage Err = %v, want ErrParse", targets[2].Err)
	}
	if targets[2].ID == "" {
		t.Fatal("garbage target has no id")
	}
	if !errors.Is(targets[3].Err, domain.ErrValidation) {
		t.Fatalf("rejected Err = %v, want ErrValidation", targets[3].Err)
	}

	gamma := targets[4]
	if gamma.Err != nil {
		t.Fatalf("gamma Err = %v", gamma.Err)
	}
	if gamma.ThrottleInterval() != 250*time.Millisecond {
		t.Fatalf("gamma throttle = %s, want 250ms", gamma.ThrottleInterval())
	}
	if gamma.Overflow != OverflowSplit {
		t.Fatalf("gamma overflow = %s, want split", gamma.Overflow)
	}
	bound := gamma.Provider.(*recordingProvider).url
	if _, ok := bound.Param(KeyThrottle); ok {
		t.Fatal("throttle key leaked to the service")
	}

	if logs.Len() != 3 {
		t.Fatalf("warn logs = %d, want 3", logs.Len())
	}
}

func TestLoaderThrottleOverrideWins(t *testing.T) {
	t.Parallel()

	loader := NewLoader(newTestRegistry(t), nil)

	tests := []struct {
		url  string
		want time.Duration
	}{
		{url: "fake://host?throttle=0", want: 0},
		{url: "fake://host?throttle=5", want: 5 * time.Second},
		{url: "fake://host?throttle=0.5", want: 500 * time.Millisecond},
		{url: "fake://host", want: 2 * time.Second},
	}

	for _, tc := range tests {
		target := loader.LoadOne(tc.url)
		if target.Err != nil {
			t.Fatalf("LoadOne(%q) Err = %v", tc.url, target.Err)
		}
		if got := target.ThrottleInterval(); got != tc.want {
			t.Fatalf("LoadOne(%q) throttle = %s, want %s", tc.url, got, tc.want)
		}
	}

	for _, bad := range []string{"fake://host?throttle=-1", "fake://host?throttle=soon", "fake://host?overflow=drop"} {
		if target := loader.LoadOne(bad); !errors.Is(target.Err, domain.ErrValidation) {
			t.Fatalf("LoadOne(%q) Err = %v, want ErrValidation", bad, target.Err)
		}
	}
}

func TestParseThrottleRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		wantMsg string
	}{
		{in: "inf", wantMsg: "invalid throttle"},
		{in: "-Inf", wantMsg: "invalid throttle"},
		{in: "nan", wantMsg: "invalid throttle"},
		{in: "1e300", wantMsg: "exceeds"},
		{in: "100000h", wantMsg: "exceeds"},
		{in: "-1e300", wantMsg: "negative throttle"},
	}
	for _, tc := range tests {
		_, err := ParseThrottle(tc.in)
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("ParseThrottle(%q) err = %v, want ErrValidation", tc.in, err)
		}
		if !strings.Contains(err.Error(), tc.wantMsg) {
			t.Fatalf("ParseThrottle(%q) err = %q, want %q", tc.in, err, tc.wantMsg)
		}
	}

	if d, err := ParseThrottle("86400"); err != nil || d != MaxThrottle {
		t.Fatalf("ParseThrottle(86400) = %s, %v, want %s", d, err, MaxThrottle)
	}
}

func TestLoaderDedupesIDs(t *testing.T) {
	t.Parallel()

	targets := NewLoader(newTestRegistry(t), nil).Load([]string{"fake://same", "fake://same?tag=x"})
	if len(targets) != 2 {
		t.Fatalf("len(targets) = %d, want 2", len(targets))
	}
	if targets[0].ID == targets[1].ID {
		t.Fatalf("ids = %s, %s, want distinct", targets[0].ID, targets[1].ID)
	}
	if targets[1].ID != targets[0].ID+"-2" {
		t.Fatalf("second id = %s, want %s-2", targets[1].ID, targets[0].ID)
	}
}

func TestTargetMatches(t *testing.T) {
	t.Parallel()

	target := &Target{Tags: []string{"Ops"}}
	tests := []struct {
		tags []string
		want bool
	}{
		{tags: nil, want: true},
		{tags: []string{"ops"}, want: true},
		{tags: []string{"dev", "ALL"}, want: true},
		{tags: []string{"dev"}, want: false},
	}
	for _, tc := range tests {
		if got := target.Matches(tc.tags); got != tc.want {
			t.Fatalf("Matches(%v) = %v, want %v", tc.tags, got, tc.want)
		}
	}
}
