package logging

import "log/slog"

// Field names shared by every component so log queries stay stable.
const (
	FieldService       = "service"
	FieldRequestID     = "request_id"
	FieldParticipantID = "participant_id"
	FieldStudyID       = "study_id"
	FieldFileName      = "file_name"
	FieldPlatform      = "platform"
	FieldDisposition   = "disposition"
	FieldReason        = "reason"
	FieldPath          = "path"
	FieldBytes         = "bytes"
	FieldFailedLines   = "failed_lines"
	FieldStatus        = "status"
	FieldDuration      = "duration_ms"
	FieldError         = "error"
)

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func ParticipantID(id string) slog.Attr {
	return slog.String(FieldParticipantID, id)
}

func StudyID(id string) slog.Attr {
	return slog.String(FieldStudyID, id)
}

func FileName(name string) slog.Attr {
	return slog.String(FieldFileName, name)
}

func Platform(p string) slog.Attr {
	return slog.String(FieldPlatform, p)
}

func Disposition(kind string) slog.Attr {
	return slog.String(FieldDisposition, kind)
}

func Reason(reason string) slog.Attr {
	return slog.String(FieldReason, reason)
}

func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

func Bytes(n int64) slog.Attr {
	return slog.Int64(FieldBytes, n)
}

func FailedLines(n int) slog.Attr {
	return slog.Int(FieldFailedLines, n)
}

func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns an error attribute; a nil error is rendered as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
