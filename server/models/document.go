package models

import "time"

// Document is a reference to an uploaded medical document stored in the
// object bucket. Only rows flagged visible_in_emergency are ever disclosed
// through an access session, via short-lived signed URLs.
type Document struct {
	BaseModel
	PatientID          uint       `json:"patient_id" gorm:"not null"`
	Title              string     `json:"title" validate:"required"`
	Category           string     `json:"category"`
	FileType           string     `json:"file_type"`
	DocumentDate       *time.Time `json:"document_date,omitempty"`
	Institution        string     `json:"institution"`
	ObjectName         string     `json:"-" gorm:"not null"`
	VisibleInEmergency bool       `json:"visible_in_emergency" gorm:"default:false"`
}

func VisibleDocuments(patientID uint) ([]Document, error) {
	documents := []Document{}
	err := db.Where("patient_id = ? AND visible_in_emergency = ?", patientID, true).
		Order("id desc").Find(&documents).Error
	if err != nil {
		return nil, err
	}

	return documents, nil
}
