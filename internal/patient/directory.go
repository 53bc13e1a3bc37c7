// Package patient resolves the clinical context embedded in analysis prompts.
package patient

import (
	"context"
	"time"

	"github.com/memora-health/platform/internal/analysis"
	apperrors "github.com/memora-health/platform/internal/shared/errors"
)

// Directory looks up patient context by the platform's patient ID.
type Directory interface {
	Lookup(ctx context.Context, patientID string) (*analysis.PatientContext, error)
}

// StaticDirectory serves fixed contexts. Used in development and tests.
type StaticDirectory map[string]analysis.PatientContext

func (d StaticDirectory) Lookup(ctx context.Context, patientID string) (*analysis.PatientContext, error) {
	pctx, ok := d[patientID]
	if !ok {
		return nil, apperrors.NotFound("patient", patientID)
	}
	pctx.MedicalHistory = append([]string(nil), pctx.MedicalHistory...)
	return &pctx, nil
}

// AgeAt returns completed years between dob and now.
func AgeAt(dob, now time.Time) int {
	if dob.IsZero() || now.Before(dob) {
		return 0
	}
	age := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		age--
	}
	return age
}

func mapGender(code string) string {
	switch code {
	case "M", "m", "1":
		return "male"
	case "F", "f", "Z", "z", "2":
		return "female"
	case "O", "o", "3":
		return "other"
	default:
		return ""
	}
}
