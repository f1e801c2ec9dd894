// internal/classifier/errors.go
package classifier

import (
	"errors"

	"github.com/SyedDaiam9101/pothole-service/internal/imaging"
)

var (
	// ErrDecode marks uploads that are not decodable images.
	ErrDecode = imaging.ErrDecode
	// ErrInvalidImage marks images that decode but cannot become a valid tensor.
	ErrInvalidImage = imaging.ErrInvalidImage
	// ErrInference marks failures of the forward pass itself.
	ErrInference = errors.New("inference failed")
)

// Kind names the failure class of err for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrInvalidImage):
		return "invalid_image"
	case errors.Is(err, ErrInference):
		return "inference"
	default:
		return "internal"
	}
}
