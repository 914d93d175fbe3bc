package executor

import (
	"regexp"
	"strings"

	"github.com/ethpandaops/conformoor/pkg/types"
)

const (
	// TimeoutError is the error summary recorded for timed-out tests.
	TimeoutError = "Timeout"

	// UnknownError is recorded when a failing run prints no usable FAIL line.
	UnknownError = "Unknown error (check logs)"
)

var (
	passLine = regexp.MustCompile(`(?m)^PASS(\s|$)`)
	failLine = regexp.MustCompile(`(?m)^FAIL(\s|$)`)
)

// Classify maps combined test output to an outcome. Only a PASS line without
// any FAIL line is a pass; unrecognised output is a failure.
func Classify(output string) types.Outcome {
	if passLine.MatchString(output) && !failLine.MatchString(output) {
		return types.OutcomePass
	}

	return types.OutcomeFail
}

// ExtractError returns the message of the first "FAIL <path> <message...>"
// line, or UnknownError.
func ExtractError(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "FAIL ") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			return UnknownError
		}

		return strings.Join(fields[2:], " ")
	}

	return UnknownError
}
