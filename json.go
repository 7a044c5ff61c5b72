// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

const (
	maxRetries    = 3
	retryBaseWait = 100 * time.Millisecond
)

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe")
}

// SendJSONRequest issues a JSON-RPC 2.0 call to uri, retrying transient
// connection failures with exponential backoff.
func SendJSONRequest(ctx context.Context, uri, method string, params, reply interface{}) error {
	log := logrus.WithFields(logrus.Fields{"uri": uri, "method": method})
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return errors.Annotate(err, "encoding request")
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			wait := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return errors.Trace(ctx.Err())
			case <-time.After(wait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
		if err != nil {
			return errors.Annotate(err, "creating request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := newHTTPClient().Do(req)
		if err != nil {
			lastErr = err
			retry := isRetryableError(err)
			log.WithError(err).WithFields(logrus.Fields{
				"attempt":   attempt + 1,
				"retryable": retry,
			}).Debug("request attempt failed")
			if retry {
				continue
			}
			return errors.Annotate(err, "issuing request")
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = CleanlyCloseBody(resp.Body)
			return errors.Errorf("received status code: %d", resp.StatusCode)
		}
		err = json2.DecodeClientResponse(resp.Body, reply)
		_ = CleanlyCloseBody(resp.Body)
		if err != nil {
			return errors.Annotate(err, "decoding response")
		}
		return nil
	}
	return errors.Annotatef(lastErr, "request failed after %d attempts", maxRetries)
}

// InspectInterfaces lists the interfaces an inspection endpoint serves.
func InspectInterfaces(ctx context.Context, uri string) ([]string, error) {
	var reply InterfacesReply
	if err := SendJSONRequest(ctx, uri, "Inspect.Interfaces", &InterfacesArgs{}, &reply); err != nil {
		return nil, err
	}
	return reply.Names, nil
}

// InspectInterface fetches the description of one interface.
func InspectInterface(ctx context.Context, uri, name string) (*InterfaceInfo, error) {
	var reply InterfaceReply
	if err := SendJSONRequest(ctx, uri, "Inspect.Interface", &InterfaceArgs{Name: name}, &reply); err != nil {
		return nil, err
	}
	return &reply.Interface, nil
}
