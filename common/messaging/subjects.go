package messaging

import "strings"

// Subjects follow {domain}.{resource}.{qualifier}.
const (
	// SubjectUploadsProcess carries ProcessingRecords; append .{study_id}.
	SubjectUploadsProcess = "uploads.process"

	// SubjectUploadsForensics carries forensic entries; append .{kind}.
	SubjectUploadsForensics = "uploads.forensics"

	// SubjectUploadsCrashLogs carries raw crash logs uploaded by devices.
	SubjectUploadsCrashLogs = "uploads.crashlogs"
)

// ProcessSubject returns the processing subject for a study.
// Example: uploads.process.5873fe38644ad7557b168e43
func ProcessSubject(studyID string) string {
	return SubjectUploadsProcess + "." + SubjectToken(studyID)
}

// ForensicsSubject returns the forensic subject for an entry kind.
func ForensicsSubject(kind string) string {
	return SubjectUploadsForensics + "." + SubjectToken(kind)
}

// SubjectToken makes s safe to use as a single subject token: the separators
// '.', '*', '>' and whitespace are replaced with '_', and "" becomes "unknown".
func SubjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
