package payload

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jinnlabs/jinn-worker/internal/pkg/apierror"
)

// deprecatedModels are retired model families. Requests naming one are
// rejected rather than silently upgraded.
var deprecatedModels = map[string]struct{}{
	"gemini-1.0-pro":    {},
	"gemini-1.5-pro":    {},
	"gemini-1.5-flash":  {},
	"gemini-pro":        {},
	"gemini-pro-vision": {},
}

// dateSuffix matches trailing release-date stamps like -001 or -20250219.
var dateSuffix = regexp.MustCompile(`-\d{3,8}$`)

// NormalizeModel reduces a model identifier to its family name so that
// aliases, previews, and dated releases all compare equal.
func NormalizeModel(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	m = strings.TrimPrefix(m, "models/")
	for _, marker := range []string{"-preview", "-exp", "-latest"} {
		if idx := strings.Index(m, marker); idx >= 0 {
			m = m[:idx]
		}
	}
	m = dateSuffix.ReplaceAllString(m, "")
	return m
}

// ResolveModel picks the model for a dispatch and enforces policy. The
// request's model wins over the inherited default; the allowed list, when
// present, is matched on normalized family names.
func ResolveModel(requested, inherited string, allowed []string) (string, error) {
	model := requested
	if model == "" {
		model = inherited
	}
	if model == "" {
		return "", nil
	}

	family := NormalizeModel(model)
	if _, retired := deprecatedModels[family]; retired {
		return "", apierror.NewValidationError("model", fmt.Sprintf("model %q is deprecated", model))
	}
	if len(allowed) == 0 {
		return model, nil
	}
	for _, a := range allowed {
		if NormalizeModel(a) == family {
			return model, nil
		}
	}
	return "", apierror.NewValidationError("model", fmt.Sprintf("model %q is not in the allowed set", model))
}
