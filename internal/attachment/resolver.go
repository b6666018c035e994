package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/retry"
	"go.uber.org/zap"
)

const (
	DefaultMaxBytes  int64 = 10 << 20
	fetchAttempts          = 3
	fetchTimeout           = 30 * time.Second
	fetchBackoffBase       = 250 * time.Millisecond
	fetchBackoffMax        = 2 * time.Second
)

// Fetch results recorded through Recorder.
const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultTooLarge = "too_large"
	ResultError    = "error"
)

// Fetcher downloads a remote attachment. It must read at most limit+1 bytes
// so oversize content is detectable without buffering all of it.
type Fetcher interface {
	Fetch(ctx context.Context, url string, limit int64) (data []byte, contentType string, err error)
}

// Recorder observes resolutions; *observability.Metrics satisfies it.
type Recorder interface {
	IncAttachmentFetch(result string)
}

// StatusError reports a non-2xx download.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned status %d", e.StatusCode)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

type Option func(*Resolver)

func WithMaxBytes(n int64) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

func WithFetcher(f Fetcher) Option {
	return func(r *Resolver) {
		if f != nil {
			r.fetcher = f
		}
	}
}

func WithBackoff(b retry.Backoff) Option {
	return func(r *Resolver) { r.backoff = b }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Resolver) { r.recorder = rec }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Resolver turns references into cached handles under a global size cap.
type Resolver struct {
	fetcher  Fetcher
	maxBytes int64
	backoff  retry.Backoff
	recorder Recorder
	logger   *zap.Logger
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		fetcher:  NewHTTPFetcher(nil),
		maxBytes: DefaultMaxBytes,
		backoff:  retry.NewBackoff(fetchBackoffBase, fetchBackoffMax, 100*time.Millisecond),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) MaxBytes() int64 {
	return r.maxBytes
}

// Handle returns an unresolved handle; content loads on the first Resolve.
func (r *Resolver) Handle(ref Reference) *Handle {
	return &Handle{ref: ref, resolver: r}
}

// Resolve loads ref now and returns its handle.
func (r *Resolver) Resolve(ctx context.Context, ref Reference) (*Handle, error) {
	h := r.Handle(ref)
	if _, err := h.Resolve(ctx); err != nil {
		return h, err
	}
	return h, nil
}

func (r *Resolver) load(ctx context.Context, ref Reference) (*domain.ResolvedAttachment, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	var (
		data     []byte
		declared = ref.MimeHint
		err      error
	)
	switch ref.Kind {
	case KindBytes:
		data = ref.Data
		if int64(len(data)) > r.maxBytes {
			err = r.tooLarge(ref, int64(len(data)))
		}
	case KindPath:
		data, err = r.readFile(ref)
	case KindURL:
		var contentType string
		data, contentType, err = r.fetchRemote(ctx, ref)
		if declared == "" {
			declared = contentType
		}
	}

	r.record(err)
	if err != nil {
		return nil, err
	}

	name := ref.DisplayName()
	return &domain.ResolvedAttachment{
		Name:     name,
		MimeType: detectMIME(data, name, declared),
		Data:     data,
	}, nil
}

func (r *Resolver) record(err error) {
	if r.recorder == nil {
		return
	}
	switch {
	case err == nil:
		r.recorder.IncAttachmentFetch(ResultOK)
	case errors.Is(err, domain.ErrAttachmentNotFound):
		r.recorder.IncAttachmentFetch(ResultNotFound)
	case errors.Is(err, domain.ErrAttachmentTooLarge):
		r.recorder.IncAttachmentFetch(ResultTooLarge)
	default:
		r.recorder.IncAttachmentFetch(ResultError)
	}
}

func (r *Resolver) tooLarge(ref Reference, size int64) error {
	return fmt.Errorf("%w: %s is %d bytes, limit %d", domain.ErrAttachmentTooLarge, ref.DisplayName(), size, r.maxBytes)
}

func (r *Resolver) readFile(ref Reference) ([]byte, error) {
	info, err := os.Stat(ref.Location)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAttachmentNotFound, ref.Location)
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrAttachmentFetch, ref.Location, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", domain.ErrAttachmentNotFound, ref.Location)
	}
	if info.Size() > r.maxBytes {
		return nil, r.tooLarge(ref, info.Size())
	}

	f, err := os.Open(ref.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrAttachmentFetch, ref.Location, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrAttachmentFetch, ref.Location, err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, r.tooLarge(ref, int64(len(data)))
	}
	return data, nil
}

// fetchRemote makes up to fetchAttempts downloads. Client errors other than
// 429 and oversize content end the loop early.
func (r *Resolver) fetchRemote(ctx context.Context, ref Reference) ([]byte, string, error) {
	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		data, contentType, err := r.fetcher.Fetch(ctx, ref.Location, r.maxBytes)
		if err == nil {
			if int64(len(data)) > r.maxBytes {
				return nil, "", r.tooLarge(ref, int64(len(data)))
			}
			return data, contentType, nil
		}
		lastErr = err

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.retryable() {
			if statusErr.StatusCode == http.StatusNotFound || statusErr.StatusCode == http.StatusGone {
				return nil, "", fmt.Errorf("%w: %s: %v", domain.ErrAttachmentNotFound, ref.Location, err)
			}
			break
		}
		if ctx.Err() != nil || attempt == fetchAttempts {
			break
		}

		r.logger.Debug("attachment fetch failed, retrying",
			zap.String("attachment", ref.DisplayName()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if err := retry.Sleep(ctx, r.backoff.Delay(attempt)); err != nil {
			lastErr = err
			break
		}
	}
	return nil, "", fmt.Errorf("%w: %s: %v", domain.ErrAttachmentFetch, ref.Location, lastErr)
}

// Handle is a lazily resolved attachment. The first Resolve loads content;
// later calls return the cached result or error without touching the source.
type Handle struct {
	ref      Reference
	resolver *Resolver

	mu       sync.Mutex
	done     bool
	resolved *domain.ResolvedAttachment
	err      error
	loads    int
}

var _ domain.Attachment = (*Handle)(nil)

func (h *Handle) Name() string {
	return h.ref.DisplayName()
}

func (h *Handle) Reference() Reference {
	return h.ref
}

func (h *Handle) Resolve(ctx context.Context) (*domain.ResolvedAttachment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.done {
		return h.resolved, h.err
	}

	h.loads++
	resolved, err := h.resolver.load(ctx, h.ref)
	// A caller's cancellation says nothing about the attachment; let the next
	// caller try again.
	if err != nil && ctx.Err() != nil && !isContentError(err) {
		return nil, err
	}

	h.resolved, h.err, h.done = resolved, err, true
	return resolved, err
}

func isContentError(err error) bool {
	return errors.Is(err, domain.ErrAttachmentNotFound) ||
		errors.Is(err, domain.ErrAttachmentTooLarge) ||
		errors.Is(err, domain.ErrValidation)
}

// Loads counts how many times the handle went to the source.
func (h *Handle) Loads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loads
}

// HTTPFetcher downloads with resty.
type HTTPFetcher struct {
	client *resty.Client
}

func NewHTTPFetcher(client *resty.Client) *HTTPFetcher {
	if client == nil {
		client = resty.New()
		client.SetTimeout(fetchTimeout)
	}
	client.SetRetryCount(0)
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, limit int64) ([]byte, string, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return nil, "", err
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
		return nil, "", &StatusError{StatusCode: resp.StatusCode()}
	}

	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, "", err
	}
	return data, strings.TrimSpace(resp.Header().Get("Content-Type")), nil
}
