package masking

import "strings"

// sensitiveEnvMarkers flag environment variable names whose values must be
// masked regardless of shape.
var sensitiveEnvMarkers = []string{
	"SECRET", "TOKEN", "PASSWORD", "PASSWD", "API_KEY", "APIKEY",
	"PRIVATE_KEY", "CREDENTIAL",
}

// EnvMasker is a code-based masker for env-style dumps (VAR=value lines). A
// regex alone cannot tell a sensitive assignment from an innocuous one; this
// masker keys on the variable name.
type EnvMasker struct{}

// Name implements Masker.
func (EnvMasker) Name() string { return "env-assignment" }

// AppliesTo implements Masker.
func (EnvMasker) AppliesTo(data string) bool {
	return strings.Contains(data, "=")
}

// Mask implements Masker. Lines whose variable name carries a sensitive
// marker have their value replaced; everything else passes through.
func (EnvMasker) Mask(data string) string {
	lines := strings.Split(data, "\n")
	changed := false
	for i, line := range lines {
		name, _, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		upper := strings.ToUpper(strings.TrimSpace(name))
		for _, marker := range sensitiveEnvMarkers {
			if strings.Contains(upper, marker) {
				lines[i] = name + "=***MASKED***"
				changed = true
				break
			}
		}
	}
	if !changed {
		return data
	}
	return strings.Join(lines, "\n")
}
