package emergency

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPResponder talks to a monitoring center's JSON API. The dedupe key is
// sent as the idempotency key, so a retried call is never a second dispatch.
type HTTPResponder struct {
	client *resty.Client
}

func NewHTTPResponder(baseURL, token string, timeout time.Duration) *HTTPResponder {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &HTTPResponder{client: client}
}

type dispatchResponse struct {
	Reference string `json:"reference"`
}

func (r *HTTPResponder) Dispatch(ctx context.Context, req Request) (string, error) {
	var response dispatchResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.Key).
		SetBody(req).
		SetResult(&response).
		Post("/dispatches")
	if err != nil {
		return "", fmt.Errorf("could not call responder: %w", err)
	}
	switch code := resp.StatusCode(); {
	case !resp.IsError():
		if response.Reference == "" {
			return req.Key, nil
		}
		return response.Reference, nil
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity || code == http.StatusForbidden:
		return "", fmt.Errorf("%w: %d", ErrRefused, code)
	default:
		return "", fmt.Errorf("responder returned %d", code)
	}
}
