package provider

import (
	"strings"

	"github.com/kcolemangt/ai-proxy/model"
)

// rule maps model-name substrings to a provider. Rules are checked in order and the first hit wins.
type rule struct {
	needles  []string
	provider model.ProviderID
}

// gpt-4 must be checked before the generic gpt rule: GPT-4 names go to GigaChat.
var rules = []rule{
	{needles: []string{"deepseek"}, provider: model.DeepSeek},
	{needles: []string{"gigachat", "gpt-4"}, provider: model.GigaChat},
	{needles: []string{"gpt", "claude", "llama"}, provider: model.OpenRouter},
}

// Selector picks a provider from the model named in a request body.
// Default only applies when the body names no model; unmatched names always go to OpenRouter.
type Selector struct {
	Default model.ProviderID
}

// NewSelector returns a selector that uses def for requests without a model, or OpenRouter when def is empty
func NewSelector(def model.ProviderID) Selector {
	if def == "" {
		def = model.OpenRouter
	}
	return Selector{Default: def}
}

// Select returns the provider for the model field. An empty model means the field was absent.
func (s Selector) Select(modelName string) model.ProviderID {
	if modelName == "" {
		return s.absent()
	}
	lower := strings.ToLower(modelName)
	for _, r := range rules {
		for _, needle := range r.needles {
			if strings.Contains(lower, needle) {
				return r.provider
			}
		}
	}
	return model.OpenRouter
}

func (s Selector) absent() model.ProviderID {
	if s.Default == "" {
		return model.OpenRouter
	}
	return s.Default
}

// Select applies the routing rules with OpenRouter as the default
func Select(modelName string) model.ProviderID {
	return Selector{Default: model.OpenRouter}.Select(modelName)
}
