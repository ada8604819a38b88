package masking

// Service applies the built-in patterns, any custom patterns and the
// code-based maskers to strings and structured tool outputs. It is immutable
// after construction and safe for concurrent use.
type Service struct {
	patterns []*CompiledPattern
	maskers  []Masker
}

// NewService compiles the built-in patterns plus custom and registers the
// code-based maskers.
func NewService(custom ...PatternConfig) *Service {
	configs := make([]PatternConfig, 0, len(builtinPatterns)+len(custom))
	configs = append(configs, builtinPatterns...)
	configs = append(configs, custom...)
	return &Service{
		patterns: compilePatterns(configs),
		maskers:  []Masker{EnvMasker{}},
	}
}

// MaskString redacts secrets from one string.
func (s *Service) MaskString(data string) string {
	for _, m := range s.maskers {
		if m.AppliesTo(data) {
			data = m.Mask(data)
		}
	}
	for _, p := range s.patterns {
		data = p.Regex.ReplaceAllString(data, p.Replacement)
	}
	return data
}

// MaskMap redacts every string value in a tool output, recursing through
// nested maps and slices. The input is never mutated.
func (s *Service) MaskMap(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = s.maskValue(v)
	}
	return out
}

func (s *Service) maskValue(v any) any {
	switch val := v.(type) {
	case string:
		return s.MaskString(val)
	case map[string]any:
		return s.MaskMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.maskValue(item)
		}
		return out
	default:
		return v
	}
}
