package dispatch

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/notifyurl"
	"github.com/kursadbilgin/fanout/internal/ratelimit"
	"github.com/kursadbilgin/fanout/internal/registry"
	"go.uber.org/zap"
)

// Query keys handled by the loader rather than the service.
const (
	KeyThrottle = "throttle"
	KeyOverflow = "overflow"
)

// MaxThrottle is the longest accepted per-target throttle interval.
const MaxThrottle = 24 * time.Hour

// Loader binds configured URLs to registered services.
type Loader struct {
	registry *registry.Registry
	logger   *zap.Logger
}

func NewLoader(reg *registry.Registry, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{registry: reg, logger: logger}
}

// Load returns one target per URL in input order. URLs that fail to decode
// or bind are logged and returned as targets carrying Err, so a bad line
// never hides the others and still shows up in every report.
func (l *Loader) Load(urls []string) []*Target {
	targets := make([]*Target, 0, len(urls))
	seen := make(map[string]int, len(urls))

	for _, raw := range urls {
		if strings.TrimSpace(raw) == "" {
			continue
		}

		t := l.LoadOne(raw)
		seen[t.ID]++
		if n := seen[t.ID]; n > 1 {
			t.ID = fmt.Sprintf("%s-%d", t.ID, n)
		}
		targets = append(targets, t)
	}
	return targets
}

// LoadOne binds a single URL.
func (l *Loader) LoadOne(raw string) *Target {
	u, err := notifyurl.Decode(raw)
	if err != nil {
		l.logger.Warn("skipping unparsable notification url",
			zap.String("url", notifyurl.Redact(strings.TrimSpace(raw))),
			zap.Error(err),
		)
		return &Target{ID: notifyurl.RawID(raw), URL: notifyurl.Redact(strings.TrimSpace(raw)), Err: err}
	}

	t := &Target{
		ID:     u.ID(),
		URL:    u.String(),
		Scheme: u.Scheme,
		Tags:   u.Tags,
	}

	desc, err := l.registry.Lookup(u.Scheme)
	if err != nil {
		return l.fail(t, err)
	}
	t.Service = desc.Name
	t.Capabilities = desc.Capabilities

	bound := u.Clone()
	throttle := desc.Capabilities.DefaultThrottle
	if v, ok := bound.Param(KeyThrottle); ok {
		override, err := ParseThrottle(v)
		if err != nil {
			return l.fail(t, err)
		}
		throttle = override
		delete(bound.Query, KeyThrottle)
	}
	t.Throttle = ratelimit.NewThrottle(throttle)

	if v, ok := bound.Param(KeyOverflow); ok {
		mode, err := ParseOverflowMode(v)
		if err != nil {
			return l.fail(t, err)
		}
		t.Overflow = mode
		delete(bound.Query, KeyOverflow)
	}

	p, _, err := l.registry.Build(bound)
	if err != nil {
		return l.fail(t, err)
	}
	t.Provider = p

	l.logger.Debug("notification target loaded",
		zap.String("target", t.ID),
		zap.String("service", t.Service),
		zap.String("url", t.URL),
		zap.Duration("throttle", throttle),
	)
	return t
}

func (l *Loader) fail(t *Target, err error) *Target {
	t.Err = err
	l.logger.Warn("skipping notification url",
		zap.String("target", t.ID),
		zap.String("url", t.URL),
		zap.Error(err),
	)
	return t
}

// ParseThrottle reads a throttle override: a Go duration ("750ms") or a
// plain number of seconds ("1.5").
func ParseThrottle(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("%w: empty throttle", domain.ErrValidation)
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		secs, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return 0, fmt.Errorf("%w: invalid throttle %q", domain.ErrValidation, v)
		}
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, fmt.Errorf("%w: invalid throttle %q", domain.ErrValidation, v)
		}
		if secs < 0 {
			return 0, fmt.Errorf("%w: negative throttle %q", domain.ErrValidation, v)
		}
		// Checked in seconds so the conversion below cannot overflow.
		if secs > MaxThrottle.Seconds() {
			return 0, fmt.Errorf("%w: throttle %q exceeds %s", domain.ErrValidation, v, MaxThrottle)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: negative throttle %q", domain.ErrValidation, v)
	}
	if d > MaxThrottle {
		return 0, fmt.Errorf("%w: throttle %q exceeds %s", domain.ErrValidation, v, MaxThrottle)
	}
	return d, nil
}
