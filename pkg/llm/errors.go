// Copyright 2026 OpenCircle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// TransientError indicates a failure the caller may retry: connection
// errors, timeouts, 429s, and provider 5xx responses.
type TransientError struct {
	Provider   string
	Model      string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s error (model %s, status %d): %v",
		e.Provider, e.Model, e.StatusCode, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ProviderError indicates a fatal provider rejection (4xx other than
// auth): invalid arguments, model not found, empty response. Do not
// retry.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s rejected request (model %s, status %d): %s",
		e.Provider, e.Model, e.StatusCode, e.Message)
}

// AuthError indicates the credential was rejected. Fatal for this run;
// the vault should re-resolve on the next one.
type AuthError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed (status %d): %s",
		e.Provider, e.StatusCode, e.Message)
}

// ClassifyHTTP maps a non-200 provider response to the error taxonomy.
func ClassifyHTTP(provider, model string, status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Provider: provider, StatusCode: status, Message: body}
	case status == http.StatusTooManyRequests || status >= 500 || status == http.StatusRequestTimeout:
		return &TransientError{
			Provider:   provider,
			Model:      model,
			StatusCode: status,
			Err:        fmt.Errorf("API error: %s", body),
		}
	default:
		return &ProviderError{Provider: provider, Model: model, StatusCode: status, Message: body}
	}
}

// WrapTransport classifies a transport-level failure (connection reset,
// DNS, deadline) as transient unless the caller cancelled.
func WrapTransport(provider, model string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransientError{Provider: provider, Model: model, Err: err}
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
