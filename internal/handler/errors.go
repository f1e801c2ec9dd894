// internal/handler/errors.go
package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/SyedDaiam9101/pothole-service/internal/classifier"
)

// uploadErr is a problem with the request itself, found before the image
// reaches the classifier.
type uploadErr struct {
	reason string
	err    error
}

func (e *uploadErr) Error() string { return fmt.Sprintf("%s: %v", e.reason, e.err) }

func (e *uploadErr) Unwrap() error { return e.err }

// uploadError maps request-shape failures to a status and message
func uploadError(err error, opts Options) (int, string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", opts.MaxUploadBytes)
	}

	var ue *uploadErr
	if errors.As(err, &ue) {
		return http.StatusBadRequest, ue.reason
	}
	return http.StatusBadRequest, err.Error()
}

// classifyError maps pipeline failures to a status and a human-readable message.
// Every pipeline failure is a 500; the message names the stage that failed.
func classifyError(err error) (int, string) {
	if classifier.Kind(err) == "internal" {
		return http.StatusInternalServerError, fmt.Sprintf("internal error: %v", err)
	}
	return http.StatusInternalServerError, err.Error()
}
