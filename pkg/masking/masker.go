// Package masking redacts secrets from tool outputs before they reach the
// journal. Regex patterns cover token-shaped strings; code-based maskers
// handle structured formats a regex cannot safely match.
package masking

// Masker is the interface for code-based maskers that need structural
// awareness beyond regex pattern matching.
type Masker interface {
	// Name returns the unique identifier for this masker.
	Name() string

	// AppliesTo performs a lightweight check on whether this masker
	// should process the data. Should be fast (string contains, not parsing).
	AppliesTo(data string) bool

	// Mask applies masking logic and returns the masked result.
	// Must be defensive: return original data on processing errors.
	Mask(data string) string
}
