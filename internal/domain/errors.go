package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the stable code stored on a failed TaskResult.
type ErrorCode string

const (
	ErrFileTooLarge       ErrorCode = "FileTooLarge"
	ErrNestedZipForbidden ErrorCode = "NestedZipForbidden"
	ErrZipTooLarge        ErrorCode = "ZipTooLarge"
	ErrNoDataFound        ErrorCode = "NoDataFound"
	ErrDangerousXML       ErrorCode = "DangerousXmlError"
	ErrXMLSyntax          ErrorCode = "XmlSyntaxError"
	ErrSuspiciousFile     ErrorCode = "SuspiciousFile"
	ErrAntivirusFailure   ErrorCode = "AntivirusFailure"
	ErrDownload           ErrorCode = "DownloadError"
	ErrSchema             ErrorCode = "SchemaError"
	ErrPostSchema         ErrorCode = "PostSchemaError"
	ErrDataQuality        ErrorCode = "DataQualityError"
	ErrAVLValidation      ErrorCode = "AVLValidationError"
	ErrSystem             ErrorCode = "SystemError"
)

// FaultKind tells operators apart from operations staff as the audience of a failure.
type FaultKind string

const (
	FaultUser   FaultKind = "user"
	FaultSystem FaultKind = "system"
)

func (c ErrorCode) Kind() FaultKind {
	switch c {
	case ErrAntivirusFailure, ErrSystem, ErrDataQuality:
		return FaultSystem
	default:
		return FaultUser
	}
}

// PipelineError is the only error type a stage returns to the orchestrator.
type PipelineError struct {
	Code  ErrorCode
	Stage string
	Info  string
	Err   error
}

func NewPipelineError(code ErrorCode, info string, err error) *PipelineError {
	return &PipelineError{Code: code, Info: strings.TrimSpace(info), Err: err}
}

func (e *PipelineError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Stage != "" {
		b.WriteString(" at ")
		b.WriteString(e.Stage)
	}
	if e.Info != "" {
		b.WriteString(": ")
		b.WriteString(e.Info)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PipelineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// AsPipelineError converts any error into a PipelineError tagged with stage.
// Errors that are not already PipelineErrors become SystemError.
func AsPipelineError(stage string, err error) *PipelineError {
	if err == nil {
		return nil
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		out := *pe
		if out.Stage == "" {
			out.Stage = stage
		}
		return &out
	}
	return &PipelineError{Code: ErrSystem, Stage: stage, Info: "unexpected error", Err: err}
}

// PanicError wraps a recovered panic value.
func PanicError(stage string, v any) *PipelineError {
	return &PipelineError{Code: ErrSystem, Stage: stage, Info: "stage panicked", Err: fmt.Errorf("panic: %v", v)}
}
