package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a proxy failure
type ErrorKind string

const (
	// ErrCredentialExchangeFailed means the token endpoint was unreachable or rejected the secret
	ErrCredentialExchangeFailed ErrorKind = "credential_exchange_failed"
	// ErrUpstreamUnreachable means no response was received from the provider
	ErrUpstreamUnreachable ErrorKind = "upstream_unreachable"
	// ErrUpstreamRejected marks a non-2xx provider response. It is relayed verbatim, never wrapped.
	ErrUpstreamRejected ErrorKind = "upstream_rejected"
	// ErrMisconfiguredSecret means a provider secret is missing or malformed
	ErrMisconfiguredSecret ErrorKind = "misconfigured_secret"
	// ErrProviderNotConfigured means the selected provider is absent from the registry
	ErrProviderNotConfigured ErrorKind = "provider_not_configured"
)

// ProxyError is the uniform failure returned up to the route handlers
type ProxyError struct {
	Kind     ErrorKind
	Provider ProviderID
	Message  string
	// UpstreamStatus is zero when no response was received
	UpstreamStatus int
	// Details holds the upstream error payload, if any
	Details []byte
	Timeout bool
	Cause   error
}

func (e *ProxyError) Error() string {
	msg := string(e.Kind)
	if e.Provider != "" {
		msg += " (" + string(e.Provider) + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the status the proxy answers with for this failure
func (e *ProxyError) HTTPStatus() int {
	switch e.Kind {
	case ErrMisconfiguredSecret:
		return http.StatusInternalServerError
	case ErrUpstreamUnreachable:
		if e.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case ErrCredentialExchangeFailed, ErrProviderNotConfigured:
		return http.StatusBadGateway
	case ErrUpstreamRejected:
		if e.UpstreamStatus > 0 {
			return e.UpstreamStatus
		}
	}
	return http.StatusInternalServerError
}

// ErrorBody is the JSON shape of every proxy failure response
type ErrorBody struct {
	Error          ErrorKind       `json:"error"`
	Message        string          `json:"message"`
	Provider       ProviderID      `json:"provider,omitempty"`
	UpstreamStatus int             `json:"upstream_status,omitempty"`
	Details        json.RawMessage `json:"details,omitempty"`
}

// Body renders the error without its cause chain beyond the message
func (e *ProxyError) Body() ErrorBody {
	msg := e.Message
	if e.Cause != nil {
		if msg == "" {
			msg = e.Cause.Error()
		} else {
			msg += ": " + e.Cause.Error()
		}
	}
	body := ErrorBody{
		Error:          e.Kind,
		Message:        msg,
		Provider:       e.Provider,
		UpstreamStatus: e.UpstreamStatus,
	}
	if len(e.Details) > 0 {
		if json.Valid(e.Details) {
			body.Details = json.RawMessage(e.Details)
		} else {
			quoted, _ := json.Marshal(string(e.Details))
			body.Details = quoted
		}
	}
	return body
}

// AsProxyError unwraps err into a ProxyError, wrapping unknown errors as internal failures
func AsProxyError(err error) *ProxyError {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProxyError{Kind: "internal_error", Message: "unexpected proxy failure", Cause: err}
}
