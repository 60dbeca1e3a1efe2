package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
)

// doRequest issues one admin API call, retrying transient (connection-level)
// failures with an exponential backoff — the server may be mid-restart when
// an operator runs a ban command right after a deploy. HTTP responses,
// including 4xx/5xx, are returned as-is and are not retried; only errors
// that never reached the server (dial/timeout failures) are retried.
func doRequest(method, path string, body any) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		payload = bytes.NewReader(b)
	}

	var resp *http.Response
	operation := func() error {
		req, err := http.NewRequest(method, serverAddr+path, payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		if adminToken != "" {
			req.Header.Set("Authorization", "Bearer "+adminToken)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		r, err := httpClient.Do(req)
		if err != nil {
			return err // transient: retry
		}
		resp = r
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("call %s %s: %w", method, path, err)
	}
	return resp, nil
}
