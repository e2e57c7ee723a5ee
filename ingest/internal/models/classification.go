package models

type Verdict int

const (
	VerdictNormal Verdict = iota
	VerdictCrashLog
	VerdictSpurious
)

func (v Verdict) String() string {
	switch v {
	case VerdictNormal:
		return "normal"
	case VerdictCrashLog:
		return "crash_log"
	case VerdictSpurious:
		return "spurious"
	default:
		return "unknown"
	}
}
