package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProviderSettings is the typed form of the provider selection a client
// profile carries. External payloads historically stored either a bare
// provider string or a {provider, model} object; both shapes are accepted at
// the boundary and converted here, exactly once.
type ProviderSettings struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ParseProviderSettings converts an untyped profile payload into
// ProviderSettings, falling back to defaults for anything absent.
func ParseProviderSettings(raw []byte, defaults Defaults) (ProviderSettings, error) {
	settings := ProviderSettings{
		Provider: defaults.Provider,
		Model:    defaults.Model,
	}
	if len(raw) == 0 {
		return settings, nil
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var provider string
		if err := json.Unmarshal(raw, &provider); err != nil {
			return settings, fmt.Errorf("failed to parse provider setting: %w", err)
		}
		if provider != "" {
			settings.Provider = provider
		}
		return settings, nil
	}

	var obj struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return settings, fmt.Errorf("failed to parse provider settings: %w", err)
	}
	if obj.Provider != "" {
		settings.Provider = obj.Provider
	}
	if obj.Model != "" {
		settings.Model = obj.Model
	}
	return settings, nil
}
