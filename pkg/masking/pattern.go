package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// PatternConfig is one user-supplied masking pattern.
type PatternConfig struct {
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Description string `json:"description,omitempty"`
}

// builtinPatterns are the always-on patterns for common credential shapes.
var builtinPatterns = []PatternConfig{
	{
		Name:        "bearer_token",
		Pattern:     `(?i)bearer\s+[A-Za-z0-9\-._~+/]{16,}=*`,
		Replacement: "Bearer ***MASKED***",
		Description: "HTTP bearer tokens",
	},
	{
		Name:        "api_key_assignment",
		Pattern:     `(?i)(api[_-]?key|apikey|secret|token|password|passwd)\s*[:=]\s*["']?[^\s"']{8,}["']?`,
		Replacement: "$1=***MASKED***",
		Description: "key=value credential assignments",
	},
	{
		Name:        "aws_access_key",
		Pattern:     `AKIA[0-9A-Z]{16}`,
		Replacement: "***MASKED_AWS_KEY***",
		Description: "AWS access key ids",
	},
	{
		Name:        "private_key_block",
		Pattern:     `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
		Replacement: "***MASKED_PRIVATE_KEY***",
		Description: "PEM private key blocks",
	},
}

// compilePatterns compiles pattern configs. Invalid patterns are logged and
// skipped rather than failing the service.
func compilePatterns(configs []PatternConfig) []*CompiledPattern {
	out := make([]*CompiledPattern, 0, len(configs))
	for _, cfg := range configs {
		compiled, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			slog.Error("Failed to compile masking pattern, skipping",
				"pattern", cfg.Name, "error", err)
			continue
		}
		out = append(out, &CompiledPattern{
			Name:        cfg.Name,
			Regex:       compiled,
			Replacement: cfg.Replacement,
			Description: cfg.Description,
		})
	}
	return out
}
