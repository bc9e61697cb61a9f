package auth

import (
	"encoding/base64"
	"strings"

	"github.com/kcolemangt/ai-proxy/model"
)

// SecretFormat names which of the accepted encodings a secret uses
type SecretFormat string

const (
	FormatMissing  SecretFormat = "missing"
	FormatPrefixed SecretFormat = "basic_prefixed"
	FormatPair     SecretFormat = "client_id_secret_pair"
	FormatEncoded  SecretFormat = "base64_encoded"
	FormatInvalid  SecretFormat = "invalid"
)

const basicPrefix = "Basic "

// DetectSecretFormat classifies a secret without validating it
func DetectSecretFormat(secret string) SecretFormat {
	secret = strings.TrimSpace(secret)
	switch {
	case secret == "":
		return FormatMissing
	case strings.HasPrefix(secret, basicPrefix):
		return FormatPrefixed
	case strings.Contains(secret, ":"):
		return FormatPair
	default:
		return FormatEncoded
	}
}

// BasicAuthorization turns a configured secret into a Basic Authorization header value.
//
// Accepted forms: "Basic <base64>", "<client_id>:<client_secret>" (encoded here),
// or an already base64-encoded pair. Anything that cannot produce a usable header
// is reported as ErrMisconfiguredSecret instead of being sent upstream.
func BasicAuthorization(secret string) (string, SecretFormat, error) {
	secret = strings.TrimSpace(secret)
	format := DetectSecretFormat(secret)
	switch format {
	case FormatMissing:
		return "", format, misconfigured("secret is not set")
	case FormatPrefixed:
		encoded := strings.TrimSpace(strings.TrimPrefix(secret, basicPrefix))
		if !isEncodedPair(encoded) {
			return "", FormatInvalid, misconfigured("value after \"Basic \" is not a base64-encoded client_id:client_secret pair")
		}
		return basicPrefix + encoded, format, nil
	case FormatPair:
		id, sec, _ := strings.Cut(secret, ":")
		if id == "" || sec == "" {
			return "", FormatInvalid, misconfigured("client_id:client_secret pair has an empty half")
		}
		return basicPrefix + base64.StdEncoding.EncodeToString([]byte(secret)), format, nil
	default:
		if !isEncodedPair(secret) {
			return "", FormatInvalid, misconfigured("secret is neither a client_id:client_secret pair nor its base64 encoding")
		}
		return basicPrefix + secret, format, nil
	}
}

func isEncodedPair(v string) bool {
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(v)
		if err != nil {
			return false
		}
	}
	id, sec, ok := strings.Cut(string(raw), ":")
	return ok && id != "" && sec != ""
}

func misconfigured(msg string) *model.ProxyError {
	return &model.ProxyError{Kind: model.ErrMisconfiguredSecret, Message: msg}
}
