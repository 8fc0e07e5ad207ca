package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/psantana5/batchd/pkg/retry"
)

// apiCall sends one request to the daemon, retrying transient failures
// (transport errors, 5xx responses). 4xx responses are the server's
// final answer and are never retried. Job submission is not idempotent
// so it gets exactly one attempt. The response body is returned for
// any 2xx status; other statuses become errors carrying the server's
// message.
func apiCall(method, path string, payload interface{}) ([]byte, error) {
	var reqBody []byte
	if payload != nil {
		var err error
		reqBody, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	url := GetServerURL() + path
	client := GetHTTPClient()

	cfg := retry.Config{
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
	}
	if method == http.MethodPost && path == "/api/v1/jobs" {
		// A submit that reached the server may have created the job
		// even if the response was lost.
		cfg.MaxRetries = 0
	}

	var body []byte
	var permanent error
	err := retry.Do(context.Background(), cfg, func() error {
		var reader io.Reader
		if reqBody != nil {
			reader = bytes.NewReader(reqBody)
		}
		req, err := http.NewRequest(method, url, reader)
		if err != nil {
			permanent = err
			return nil
		}
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(req)
		if err != nil {
			if retry.IsRetryable(err) {
				return err
			}
			permanent = fmt.Errorf("failed to connect to batchd API: %w", err)
			return nil
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			// The request went through; retrying could repeat its
			// effect.
			permanent = fmt.Errorf("failed to read response: %w", err)
			return nil
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("API error (status %d): %s", resp.StatusCode, apiErrorMessage(body))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			permanent = fmt.Errorf("API error (status %d): %s", resp.StatusCode, apiErrorMessage(body))
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if permanent != nil {
		return nil, permanent
	}
	return body, nil
}

func apiErrorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}

// printJSON renders any API response as indented JSON
func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
