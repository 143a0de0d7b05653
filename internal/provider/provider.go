package provider

import (
	"context"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// Sender is the outbound delivery port; one implementation per channel.
type Sender interface {
	Send(ctx context.Context, job domain.DeliveryJob) (*ProviderResponse, error)
}

// ProviderResponse stores provider call metadata for audit and persistence.
type ProviderResponse struct {
	StatusCode int
	Body       string
	MessageID  string
}

// SendResult is the channel-independent outcome of one provider call.
type SendResult struct {
	OK                bool
	ProviderMessageID string
	ErrorKind         domain.OutcomeKind
	StatusCode        int
	Err               error
}

// Classify normalizes a Send call into a SendResult.
func Classify(resp *ProviderResponse, err error) SendResult {
	if err == nil {
		result := SendResult{OK: true, ErrorKind: domain.OutcomeSuccess}
		if resp != nil {
			result.ProviderMessageID = resp.MessageID
			result.StatusCode = resp.StatusCode
		}
		return result
	}

	result := SendResult{Err: err, ErrorKind: domain.OutcomePermanentFailure}
	if IsTransient(err) {
		result.ErrorKind = domain.OutcomeTransientFailure
	}
	if code := StatusCodeOf(err); code > 0 {
		result.StatusCode = code
	}
	return result
}
