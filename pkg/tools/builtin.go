package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"

	"github.com/karnevil9/karnevil9/pkg/models"
)

// maxHTTPBodyBytes caps how much of a fetched response body is kept.
const maxHTTPBodyBytes = 256 * 1024

// Echo returns the built-in echo tool: it reflects its input back. Useful
// for wiring checks and as the default mock target.
func Echo() *Tool {
	return &Tool{
		Schema: models.ToolSchema{
			Name:        "echo",
			Description: "Returns its input unchanged.",
			Category:    models.CategoryOther,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
				"required": []any{"text"},
			},
			Required: []string{"text"},
		},
		Run: func(_ context.Context, input map[string]any) (map[string]any, models.Usage, error) {
			return map[string]any{"echo": input["text"]}, models.Usage{}, nil
		},
		MockResponses: []map[string]any{{"echo": "mock echo"}},
	}
}

// HTTPGet returns the built-in http.get tool. Only URLs matching one of the
// allowed endpoint prefixes may be fetched; an empty allowlist denies all.
func HTTPGet(client *http.Client, allowedEndpoints []string) *Tool {
	if client == nil {
		client = http.DefaultClient
	}
	return &Tool{
		Schema: models.ToolSchema{
			Name:        "http.get",
			Description: "Fetches a URL and returns status and body.",
			Category:    models.CategoryHTTP,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string"},
				},
				"required": []any{"url"},
			},
			Required: []string{"url"},
		},
		Run: func(ctx context.Context, input map[string]any) (map[string]any, models.Usage, error) {
			url, _ := input["url"].(string)
			if !prefixAllowed(url, allowedEndpoints) {
				return nil, models.Usage{}, &Error{
					Code:      models.ErrCodePolicyViolation,
					Message:   fmt.Sprintf("endpoint %q is not in the allowed list", url),
					Retriable: false,
				}
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, models.Usage{}, &Error{
					Code: models.ErrCodeInvalidInput, Message: err.Error(), Retriable: false,
				}
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, models.Usage{}, err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBodyBytes))
			if err != nil {
				return nil, models.Usage{}, err
			}
			return map[string]any{
				"status": resp.StatusCode,
				"body":   string(body),
			}, models.Usage{}, nil
		},
		MockResponses: []map[string]any{{"status": 200, "body": "mock body"}},
	}
}

// ShellRun returns the built-in shell.run tool. Writes is set so the
// permission gate applies; only commands in the allowlist may run and
// arguments are passed verbatim, never through a shell.
func ShellRun(allowedCommands []string) *Tool {
	return &Tool{
		Schema: models.ToolSchema{
			Name:        "shell.run",
			Description: "Runs an allowed command and returns its output.",
			Category:    models.CategoryShell,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string"},
					"args":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []any{"command"},
			},
			Required: []string{"command"},
			Writes:   true,
		},
		Run: func(ctx context.Context, input map[string]any) (map[string]any, models.Usage, error) {
			command, _ := input["command"].(string)
			if !commandAllowed(command, allowedCommands) {
				return nil, models.Usage{}, &Error{
					Code:      models.ErrCodePolicyViolation,
					Message:   fmt.Sprintf("command %q is not in the allowed list", command),
					Retriable: false,
				}
			}

			var args []string
			if raw, ok := input["args"].([]any); ok {
				for _, a := range raw {
					if s, ok := a.(string); ok {
						args = append(args, s)
					}
				}
			}

			out, err := exec.CommandContext(ctx, command, args...).CombinedOutput()
			result := map[string]any{"output": string(out)}
			if err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					result["exit_code"] = exitErr.ExitCode()
					return result, models.Usage{}, nil
				}
				return nil, models.Usage{}, err
			}
			result["exit_code"] = 0
			return result, models.Usage{}, nil
		},
		MockResponses: []map[string]any{{"output": "mock output", "exit_code": 0}},
	}
}

func prefixAllowed(url string, allowed []string) bool {
	for _, prefix := range allowed {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

func commandAllowed(command string, allowed []string) bool {
	for _, a := range allowed {
		if command == a {
			return true
		}
	}
	return false
}
