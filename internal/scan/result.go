package scan

import (
	"fmt"
	"strings"
)

// Result is the value an instruction returns for a scanned code. Only its
// string form is interpreted: the prefix selects the audio cue and the log
// level.
type Result any

// Cue identifies one of the five feedback sounds.
type Cue string

const (
	CueSuccess  Cue = "success"
	CueAdd      Cue = "add"
	CueExcess   Cue = "excess"
	CueComplete Cue = "complete"
	CueFail     Cue = "fail"
)

// Cues lists every cue in classification order.
var Cues = []Cue{CueSuccess, CueAdd, CueExcess, CueComplete, CueFail}

// LogLevel is the display severity of a log entry.
type LogLevel string

const (
	LevelSuccess LogLevel = "success"
	LevelWarning LogLevel = "warning"
	LevelDanger  LogLevel = "danger"
)

// Recognised result prefixes. Matching is case-sensitive.
const (
	PrefixOK       = "OK:"
	PrefixAdd      = "ADD:"
	PrefixExcess   = "EXCESS:"
	PrefixComplete = "COMPLETE:"
	PrefixError    = "ERROR: "
)

// ResultString returns the string form of r. A nil result is "".
func ResultString(r Result) string {
	if r == nil {
		return ""
	}
	if s, ok := r.(string); ok {
		return s
	}
	return fmt.Sprint(r)
}

// Classify maps a result to the cue played for it. Anything without a
// recognised prefix is a failure.
func Classify(r Result) Cue {
	s := ResultString(r)
	switch {
	case strings.HasPrefix(s, PrefixOK):
		return CueSuccess
	case strings.HasPrefix(s, PrefixAdd):
		return CueAdd
	case strings.HasPrefix(s, PrefixExcess):
		return CueExcess
	case strings.HasPrefix(s, PrefixComplete):
		return CueComplete
	default:
		return CueFail
	}
}

// LogLevelOf maps a result to its display severity.
func LogLevelOf(r Result) LogLevel {
	s := ResultString(r)
	switch {
	case strings.HasPrefix(s, PrefixOK), strings.HasPrefix(s, PrefixComplete):
		return LevelSuccess
	case strings.HasPrefix(s, PrefixAdd), strings.HasPrefix(s, PrefixExcess):
		return LevelWarning
	default:
		return LevelDanger
	}
}

// errorResult converts a failed OnScan call into a displayable result.
func errorResult(err error) Result {
	return PrefixError + err.Error()
}
