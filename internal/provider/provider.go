package provider

import (
	"context"

	"github.com/kursadbilgin/fanout/internal/domain"
)

// Provider is the outbound delivery port one service adapter implements. The
// payload it receives has already been shaped to the adapter's declared
// capabilities (title, body length, body format).
type Provider interface {
	Send(ctx context.Context, payload domain.Payload) (*ProviderResponse, error)
}

// ProviderResponse stores provider call metadata for logging and reports.
type ProviderResponse struct {
	StatusCode int
	Body       string
	MessageID  string
}

// Classifier is implemented by adapters that know better than the generic
// rules which of their failures are worth retrying.
type Classifier interface {
	Classify(err error) domain.Outcome
}

// Closer is implemented by adapters that hold connections.
type Closer interface {
	Close() error
}

// Classify maps a send error to a failure outcome, preferring the adapter's
// own classification.
func Classify(p Provider, err error) domain.Outcome {
	if err == nil {
		return domain.OutcomeSuccess
	}
	if c, ok := p.(Classifier); ok {
		if outcome := c.Classify(err); outcome.IsFailure() {
			return outcome
		}
	}
	if IsTransient(err) {
		return domain.OutcomeTransientFailure
	}
	return domain.OutcomePermanentFailure
}
