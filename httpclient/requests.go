package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var ErrHTTPErrorResponse = errors.New("got an HTTP error response")

// Fetch issues an HTTP request with a JSON payload and decodes the JSON
// response into dst. Error responses are expected as {code, message}.
func Fetch(ctx context.Context, method string, url string, payload any, dst any, headers *http.Header) (code int, duration int64, err error) {
	var req *http.Request
	if payload == nil {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid request for %s: %w", url, err)
		}
	} else {
		var payloadBytes []byte
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return 0, 0, fmt.Errorf("could not marshal json request: %w", err)
		}

		req, err = http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payloadBytes))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid request with payload for %s: %w", url, err)
		}

		// Set content-type
		req.Header.Set("Content-Type", "application/json")
	}

	if headers != nil {
		for k, v := range *headers {
			req.Header.Add(k, v[0])
		}
	}

	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	duration = time.Since(start).Milliseconds()
	if err != nil {
		return 0, duration, fmt.Errorf("client refused for %s: %w", url, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, duration, fmt.Errorf("could not read response body for %s: %w", url, err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		ec := &struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}{}
		if err = json.Unmarshal(bodyBytes, ec); err != nil {
			return resp.StatusCode, duration, fmt.Errorf("could not unmarshal error response from relay for %s from %s: %w", url, string(bodyBytes), err)
		}
		return resp.StatusCode, duration, fmt.Errorf("%w: %s", ErrHTTPErrorResponse, ec.Message)
	}

	if dst != nil {
		err = json.Unmarshal(bodyBytes, dst)
		if err != nil {
			return resp.StatusCode, duration, fmt.Errorf("could not unmarshal response for %s from %s: %w", url, string(bodyBytes), err)
		}
	}

	return resp.StatusCode, duration, nil
}

// FetchRaw issues an HTTP request and returns the raw response body, for
// endpoints negotiated to application/octet-stream.
func FetchRaw(ctx context.Context, method string, url string, payload []byte, headers *http.Header) (body []byte, code int, duration int64, err error) {
	var req *http.Request
	if payload == nil {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("invalid request for %s: %w", url, err)
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return nil, 0, 0, fmt.Errorf("invalid request with payload for %s: %w", url, err)
		}

		// Set content-type
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	if headers != nil {
		for k, v := range *headers {
			req.Header.Add(k, v[0])
		}
	}
	req.Header.Set("Accept", "application/octet-stream")

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	duration = time.Since(start).Milliseconds()
	if err != nil {
		return nil, 0, duration, fmt.Errorf("client refused for %s: %w", url, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, duration, fmt.Errorf("could not read response body for %s: %w", url, err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		ec := &struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}{}
		if err = json.Unmarshal(bodyBytes, ec); err != nil {
			return nil, resp.StatusCode, duration, fmt.Errorf("could not unmarshal error response from relay for %s from %s: %w", url, string(bodyBytes), err)
		}
		return nil, resp.StatusCode, duration, fmt.Errorf("%w: %s", ErrHTTPErrorResponse, ec.Message)
	}

	return bodyBytes, resp.StatusCode, duration, nil
}
