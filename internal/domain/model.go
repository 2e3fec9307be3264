package domain

import (
	"fmt"
	"strings"
)

// ParseModelRef parses "provider/model". The model part may itself contain
// slashes.
func ParseModelRef(s string) (ModelRef, error) {
	provider, model, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || provider == "" || model == "" {
		return ModelRef{}, fmt.Errorf("model %q: expected provider/model", s)
	}
	return ModelRef{ProviderID: provider, ModelID: model}, nil
}
