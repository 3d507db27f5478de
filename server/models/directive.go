package models

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// Directive holds a pre-registered medical directive e.g. DNR, treatment
// refusals, organ-donation wishes. Only active directives are disclosed.
type Directive struct {
	BaseModel
	PatientID uint   `json:"patient_id" gorm:"not null"`
	Kind      string `json:"kind" validate:"required"`
	Summary   string `json:"summary" validate:"required"`
	Active    bool   `json:"active" gorm:"default:true"`
}

// ActiveDirectiveSummary flattens the patient's active directives into the
// one-line summary shown to the accessing clinician. Empty when none exist.
func ActiveDirectiveSummary(patientID uint) (string, error) {
	directives := []Directive{}

	err := db.Where("patient_id = ? AND active = ?", patientID, true).
		Order("id asc").Find(&directives).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	summaries := make([]string, 0, len(directives))
	for _, directive := range directives {
		summaries = append(summaries, directive.Kind+": "+directive.Summary)
	}

	return strings.Join(summaries, "; "), nil
}
