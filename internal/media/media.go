package media

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/memora-health/platform/internal/analysis"
	apperrors "github.com/memora-health/platform/internal/shared/errors"
)

// ErrSourceClosed is returned by samplers and sources once they are stopped.
var ErrSourceClosed = errors.New("media source closed")

// File is an uploaded media file.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// CaptureOneShot validates an uploaded file and turns it into a single unit.
// maxBytes <= 0 disables the size check.
func CaptureOneShot(f File, modality analysis.Modality, maxBytes int64) (analysis.Unit, error) {
	if !modality.Valid() {
		return analysis.Unit{}, apperrors.InvalidInput(fmt.Sprintf("unknown modality %q", modality), nil)
	}
	if len(f.Data) == 0 {
		return analysis.Unit{}, apperrors.InvalidInput("empty media payload", map[string]string{"name": f.Name})
	}
	if maxBytes > 0 && int64(len(f.Data)) > maxBytes {
		return analysis.Unit{}, apperrors.InvalidInput(
			fmt.Sprintf("media payload exceeds %d bytes", maxBytes),
			map[string]string{"name": f.Name, "size": fmt.Sprint(len(f.Data))},
		)
	}

	mimeType := DetectMIME(f.ContentType, f.Data)
	// Audio-only WebM from MediaRecorder sniffs as video.
	if modality == analysis.ModalitySpeech && mimeType == "video/webm" {
		mimeType = "audio/webm"
	}
	if !modality.Accepts(mimeType) {
		return analysis.Unit{}, apperrors.InvalidInput(
			fmt.Sprintf("expected %s* media, got %s", modality.MediaPrefix(), mimeType),
			map[string]string{"name": f.Name, "mime_type": mimeType},
		)
	}

	unit := analysis.Unit{
		Data:       f.Data,
		MIMEType:   mimeType,
		Modality:   modality,
		Seq:        1,
		Name:       f.Name,
		CapturedAt: time.Now().UTC(),
	}
	if mimeType == "audio/wav" {
		unit.Duration, _ = WAVDuration(f.Data)
	}
	return unit, nil
}

// DetectMIME prefers the declared type and sniffs the payload when the
// declaration is missing or generic.
func DetectMIME(declared string, data []byte) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
			return normalizeMIME(mt)
		}
	}
	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return normalizeMIME(sniffed)
}

func normalizeMIME(mt string) string {
	mt = strings.ToLower(mt)
	switch mt {
	case "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return "audio/wav"
	case "image/jpg", "image/pjpeg":
		return "image/jpeg"
	default:
		return mt
	}
}
