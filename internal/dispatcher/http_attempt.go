package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPAttempt posts payloads to one dependency endpoint. It is the stock
// attempt implementation for HTTP dependencies; anything non-2xx is a
// failure and feeds the retry policy.
type HTTPAttempt struct {
	Client *http.Client
	URL    string
	Header http.Header
}

func NewHTTPAttempt(client *http.Client, url string) *HTTPAttempt {
	if client == nil {
		client = &http.Client{}
	}
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(transport)
	client.CheckRedirect = func(_ *http.Request, _ []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &HTTPAttempt{
		Client: client,
		URL:    url,
	}
}

func (a *HTTPAttempt) Do(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.Header {
		for _, vv := range v {
			req.Header.Add(k, vv)
		}
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dependency returned status %d", resp.StatusCode)
	}
	return nil
}

// Func adapts the client to the dispatcher's attempt signature.
func (a *HTTPAttempt) Func() AttemptFunc {
	return a.Do
}
