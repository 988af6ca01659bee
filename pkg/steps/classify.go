package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

// pattern maps a substring of tool output to an error class.
type pattern struct {
	match string
	class engine.ErrorClass
	code  string
}

// Order matters: the first match wins, so locks and rate limits are checked
// before the generic network patterns.
var patterns = []pattern{
	// Contention on shared state.
	{"Error acquiring the state lock", engine.ErrorClassConflict, engine.ErrCodeStateLocked},
	{"ConditionalCheckFailedException", engine.ErrorClassConflict, engine.ErrCodeStateLocked},
	{"another operation (install/upgrade/rollback) is in progress", engine.ErrorClassConflict, engine.ErrCodeStateLocked},
	{"the object has been modified", engine.ErrorClassConflict, engine.ErrCodeStateLocked},
	{"Operation cannot be fulfilled", engine.ErrorClassConflict, engine.ErrCodeStateLocked},

	// Provider rate limits.
	{"RequestLimitExceeded", engine.ErrorClassThrottled, engine.ErrCodeRateLimited},
	{"Throttling", engine.ErrorClassThrottled, engine.ErrCodeRateLimited},
	{"TooManyRequests", engine.ErrorClassThrottled, engine.ErrCodeRateLimited},
	{"Too Many Requests", engine.ErrorClassThrottled, engine.ErrCodeRateLimited},
	{"rateLimitExceeded", engine.ErrorClassThrottled, engine.ErrCodeRateLimited},
	{"status code: 429", engine.ErrorClassThrottled, engine.ErrCodeRateLimited},
	{"toomanyrequests", engine.ErrorClassThrottled, engine.ErrCodeRateLimited},

	// Configuration errors never heal on retry.
	{"Error: Invalid", engine.ErrorClassConfiguration, engine.ErrCodeValidation},
	{"Error: Unsupported argument", engine.ErrorClassConfiguration, engine.ErrCodeValidation},
	{"Error: Missing required argument", engine.ErrorClassConfiguration, engine.ErrCodeValidation},
	{"Error: Reference to undeclared", engine.ErrorClassConfiguration, engine.ErrCodeValidation},
	{"error validating data", engine.ErrorClassConfiguration, engine.ErrCodeValidation},
	{"chart requires kubeVersion", engine.ErrorClassConfiguration, engine.ErrCodeValidation},

	// Transient network and API availability errors.
	{"i/o timeout", engine.ErrorClassTransient, engine.ErrCodeTimeout},
	{"TLS handshake timeout", engine.ErrorClassTransient, engine.ErrCodeTimeout},
	{"timed out waiting for the condition", engine.ErrorClassTransient, engine.ErrCodeTimeout},
	{"context deadline exceeded", engine.ErrorClassTransient, engine.ErrCodeTimeout},
	{"connection reset by peer", engine.ErrorClassTransient, ""},
	{"connection refused", engine.ErrorClassTransient, ""},
	{"Unable to connect to the server", engine.ErrorClassTransient, ""},
	{"Cannot connect to the Docker daemon", engine.ErrorClassTransient, ""},
	{"no such host", engine.ErrorClassTransient, ""},
	{"unexpected EOF", engine.ErrorClassTransient, ""},
	{"ServiceUnavailable", engine.ErrorClassTransient, ""},
	{"InternalError", engine.ErrorClassTransient, ""},
	{"503 Service Unavailable", engine.ErrorClassTransient, ""},
	{"502 Bad Gateway", engine.ErrorClassTransient, ""},
}

// Classify returns the error class for tool output. Unknown failures are
// classified as step execution errors, which are not retried.
func Classify(output string) (engine.ErrorClass, string) {
	for _, p := range patterns {
		if strings.Contains(output, p.match) {
			return p.class, p.code
		}
	}
	return engine.ErrorClassStepExecution, engine.ErrCodeNonZeroExit
}

// classifyFailure builds a classified error for a failed tool operation.
func classifyFailure(tool, operation, output string, cause error) *engine.EngineError {
	class, code := Classify(output)
	if class == engine.ErrorClassStepExecution && cause != nil {
		class, code = Classify(cause.Error())
		if class == engine.ErrorClassStepExecution {
			code = engine.ErrCodeNonZeroExit
			if isTemporaryTransport(cause) {
				class, code = engine.ErrorClassTransient, ""
			}
		}
	}

	msg := fmt.Sprintf("%s %s failed", tool, operation)
	if line := lastErrorLine(output); line != "" {
		msg += ": " + line
	}

	err := &engine.EngineError{Class: class, Message: msg, Err: cause}
	if code != "" {
		err.Code = code
	}
	return err.WithOperation(tool + " " + operation)
}

// commandFailure classifies the outcome of a Runner call. It returns nil when
// the command ran and exited zero.
func commandFailure(ctx context.Context, tool, operation string, res *Result, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return engine.NewCancelledError(fmt.Sprintf("%s %s cancelled", tool, operation), err)
	}
	if err != nil {
		return classifyFailure(tool, operation, res.Combined(), err)
	}
	if res == nil {
		return engine.NewStepExecutionError(fmt.Sprintf("%s %s returned no result", tool, operation), nil)
	}
	if res.ExitCode != 0 {
		return classifyFailure(tool, operation, res.Combined(), fmt.Errorf("exit status %d", res.ExitCode)).
			WithDetail("exit_code", res.ExitCode)
	}
	return nil
}

// lastErrorLine extracts the most specific error line from tool output.
func lastErrorLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "Error") || strings.HasPrefix(line, "error") {
			return truncate(line, 200)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
