package client

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/jmountifield/okta-to-humio/pkg/ratelimit"
)

// RateLimitErrorCode is the Okta errorCode for "API call exceeded rate limit".
const RateLimitErrorCode = "E0000047"

// maxBodyExcerpt bounds the body kept on an UpstreamError.
const maxBodyExcerpt = 2048

// APIError is the error object Okta returns on failed requests.
type APIError struct {
	ErrorCode    string `json:"errorCode"`
	ErrorSummary string `json:"errorSummary"`
	ErrorLink    string `json:"errorLink"`
	ErrorID      string `json:"errorId"`
	ErrorCauses  []struct {
		ErrorSummary string `json:"errorSummary"`
	} `json:"errorCauses"`
}

// Classify decides how a response that lacks the rel="next" link ends the run.
// It returns a *RateLimitError when Okta reports the rate limit, and a
// *UpstreamError otherwise. It only inspects the already-read response.
func Classify(status int, header http.Header, body []byte) error {
	var apiErr APIError
	// A body that is not an error object still classifies by status.
	_ = json.Unmarshal(body, &apiErr)

	if apiErr.ErrorCode == RateLimitErrorCode || status == http.StatusTooManyRequests {
		return &RateLimitError{
			StatusCode: status,
			ErrorID:    apiErr.ErrorID,
			Summary:    apiErr.ErrorSummary,
			ResetAt:    parseReset(header),
		}
	}

	upErr := &UpstreamError{
		StatusCode: status,
		ErrorClass: ErrorClassUpstream,
		Code:       apiErr.ErrorCode,
		Summary:    apiErr.ErrorSummary,
		Body:       excerpt(body),
	}
	if status >= 200 && status < 300 {
		upErr.ErrorClass = ErrorClassPagination
		upErr.Err = ErrMissingPagination
	}
	return upErr
}

func parseReset(header http.Header) time.Time {
	if header == nil {
		return time.Time{}
	}
	v := header.Get(ratelimit.HeaderReset)
	if v == "" {
		return time.Time{}
	}
	epoch, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(epoch, 0)
}

func excerpt(body []byte) string {
	if len(body) > maxBodyExcerpt {
		return string(body[:maxBodyExcerpt]) + "..."
	}
	return string(body)
}
