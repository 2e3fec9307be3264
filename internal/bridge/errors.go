package bridge

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/ashureev/tgcode/internal/opencode"
	"github.com/ashureev/tgcode/internal/projects"
)

// DownloadKind classifies attachment download failures.
type DownloadKind int

const (
	DownloadFailed DownloadKind = iota
	DownloadTimeout
	DownloadTooLarge
)

// DownloadError is an attachment that could not be fetched from the chat
// platform. Its message is shown to the user as is.
type DownloadError struct {
	Kind     DownloadKind
	Filename string
	Limit    int64
	Err      error
}

func (e *DownloadError) Error() string {
	name := e.Filename
	if name == "" {
		name = "attachment"
	}
	switch e.Kind {
	case DownloadTooLarge:
		return fmt.Sprintf("File %q is too large. The limit is %s.", name, formatSize(e.Limit))
	case DownloadTimeout:
		return fmt.Sprintf("Downloading %q timed out. Please try again.", name)
	default:
		return fmt.Sprintf("Could not download %q. Please try again.", name)
	}
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%d MB", n>>20)
	case n >= 1<<10:
		return fmt.Sprintf("%d KB", n>>10)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

func (e *DownloadError) Unwrap() []error {
	var class error = errdefs.ErrUnavailable
	if e.Kind == DownloadTooLarge {
		class = errdefs.ErrInvalidArgument
	}
	if e.Err == nil {
		return []error{class}
	}
	return []error{class, e.Err}
}

// CapabilityError means the model cannot take the attached content.
type CapabilityError struct {
	Model  string
	Reason string
}

func (e *CapabilityError) Error() string {
	return e.Reason
}

func (e *CapabilityError) Unwrap() error {
	return errdefs.ErrFailedPrecondition
}

// BackendRequestError is a prompt the agent answered without usable output.
type BackendRequestError struct {
	Name       string
	Message    string
	StatusCode int
}

func newBackendRequestError(info opencode.MessageInfo) *BackendRequestError {
	if info.Error == nil {
		return &BackendRequestError{}
	}
	return &BackendRequestError{
		Name:       info.Error.Name,
		Message:    info.Error.Data.Message,
		StatusCode: info.Error.Data.StatusCode,
	}
}

func (e *BackendRequestError) Error() string {
	switch {
	case e.Message != "" && e.StatusCode != 0:
		return fmt.Sprintf("The model provider returned an error (%d): %s", e.StatusCode, e.Message)
	case e.Message != "":
		return "The model provider returned an error: " + e.Message
	case e.Name != "":
		return "The agent failed with " + e.Name + "."
	default:
		return "The agent returned no output."
	}
}

// userMessage maps an error to the text shown in chat. generic is true when
// the error was not safe to show and the caller should log it in full.
func userMessage(err error) (msg string, generic bool) {
	var de *DownloadError
	var ce *CapabilityError
	var be *BackendRequestError
	switch {
	case errors.As(err, &de):
		return de.Error(), false
	case errors.As(err, &ce):
		return ce.Error(), false
	case errors.As(err, &be):
		return be.Error(), false
	case errors.Is(err, projects.ErrNoProject):
		return msgNoProject, false
	default:
		return msgGeneric, true
	}
}
