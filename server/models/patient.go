package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vitaltag/vitaltag/server/auth"
	"gorm.io/gorm"
)

var (
	allFieldsExceptPassword = []string{"id",
		"first_name",
		"last_name",
		"phone_number",
		"email",
		"blood_type",
		"organ_donor",
		"role_id",
		"created_at",
		"updated_at",
	}

	updatableFields = []string{"first_name",
		"last_name",
		"phone_number",
		"blood_type",
		"organ_donor",
		"password",
	}
)

// Patient is the account holder. The EmergencyToken column holds the stable
// patient identifier printed on their QR/NFC tag - it locates the record
// across many scans & is regenerable. It is never the per-scan session id.
type Patient struct {
	BaseModel
	FirstName      string             `json:"first_name" validate:"required"`
	LastName       string             `json:"last_name" validate:"required"`
	PhoneNumber    string             `json:"phone_number" validate:"required,e164" gorm:"not null;unique"`
	Email          string             `json:"email" validate:"required,email" gorm:"not null;unique"`
	Password       string             `json:"password,omitempty" validate:"required,password" gorm:"not null"`
	BloodType      string             `json:"blood_type"`
	OrganDonor     bool               `json:"organ_donor"`
	EmergencyToken string             `json:"-" gorm:"not null;uniqueIndex"`
	RoleID         uint               `json:"role_id" gorm:"null"`
	Allergies      []Allergy          `json:"allergies,omitempty" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Conditions     []MedicalCondition `json:"conditions,omitempty" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Medications    []Medication       `json:"medications,omitempty" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Contacts       []Contact          `json:"contacts,omitempty" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Directives     []Directive        `json:"directives,omitempty" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Documents      []Document         `json:"documents,omitempty" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
}

type Allergy struct {
	BaseModel
	PatientID uint   `json:"patient_id" gorm:"not null"`
	Name      string `json:"name" validate:"required"`
	Severity  string `json:"severity"`
}

type MedicalCondition struct {
	BaseModel
	PatientID uint   `json:"patient_id" gorm:"not null"`
	Name      string `json:"name" validate:"required"`
}

type Medication struct {
	BaseModel
	PatientID uint   `json:"patient_id" gorm:"not null"`
	Name      string `json:"name" validate:"required"`
	Dosage    string `json:"dosage"`
}

func (patient *Patient) Update(data map[string]interface{}) error {
	if data["password"] != nil {
		passwordHash, err := auth.HashPassword(data["password"].(string))
		if err != nil {
			return err
		}
		data["password"] = passwordHash
	}

	return db.Model(&Patient{}).Where("id = ?", patient.ID).Select(updatableFields).Updates(data).Error
}

func (patient *Patient) IsAdmin() (bool, error) {
	if patient.RoleID == 0 {
		return false, nil
	}

	adminRole, err := FindRole(ADMIN_USER_ROLE)
	if err != nil {
		return false, err
	}

	return adminRole.ID == patient.RoleID, nil
}

// RegenerateEmergencyToken invalidates the current stable identifier &
// issues a fresh one e.g. after a lost tag. Open sessions are unaffected,
// they expire on their own.
func (patient *Patient) RegenerateEmergencyToken() (string, error) {
	token := uuid.NewString()
	err := db.Model(&Patient{}).Where("id = ?", patient.ID).Update("emergency_token", token).Error
	if err != nil {
		return "", err
	}

	patient.EmergencyToken = token
	return token, nil
}

func (patient *Patient) AddContact(contact *Contact) error {
	contact.PatientID = patient.ID
	return db.Create(contact).Error
}

func (patient *Patient) LoadContacts() error {
	return db.Order("priority asc, id asc").Limit(500).Find(&patient.Contacts, "patient_id = ?", patient.ID).Error
}

func (patient *Patient) UpdateContact(contactID string, data map[string]interface{}) error {
	return db.Table("contacts").Where("id = ? AND patient_id = ?", contactID, patient.ID).Updates(data).Error
}

func (patient *Patient) DeleteContact(id interface{}) error {
	return db.Where("patient_id = ?", patient.ID).Delete(&Contact{}, id).Error
}

func (patient *Patient) FullName() string {
	return fmt.Sprintf("%v %v", patient.FirstName, patient.LastName)
}

// ConditionNames returns the patient's known conditions as plain strings,
// the shape the hospital ranker expects.
func (patient *Patient) ConditionNames() []string {
	names := make([]string, 0, len(patient.Conditions))
	for _, condition := range patient.Conditions {
		names = append(names, condition.Name)
	}
	return names
}

func FindPatientBy(field string, value interface{}) (*Patient, error) {
	patient := Patient{}
	err := db.Select(allFieldsExceptPassword).First(&patient, fmt.Sprintf("%v = ?", field), value).Error
	if err != nil {
		return nil, err
	}

	return &patient, nil
}

// FindPatientByEmergencyToken resolves a scanned stable token into the full
// clinical record - allergies, conditions, medications, contacts, active
// directives & emergency-visible documents are all preloaded, so the access
// bundle can be assembled from a single lookup.
func FindPatientByEmergencyToken(token string) (*Patient, error) {
	patient := Patient{}
	err := db.
		Preload("Allergies").
		Preload("Conditions").
		Preload("Medications").
		Preload("Contacts", func(tx *gorm.DB) *gorm.DB { return tx.Order("contacts.priority asc, contacts.id asc") }).
		Preload("Directives", "active = ?", true).
		Preload("Documents", "visible_in_emergency = ?", true).
		First(&patient, "emergency_token = ?", token).Error
	if err != nil {
		return nil, err
	}

	return &patient, nil
}

// FindPatientWithClinicalData is the by-id twin of
// FindPatientByEmergencyToken, used when re-reading an open access session.
func FindPatientWithClinicalData(patientID uint) (*Patient, error) {
	patient := Patient{}
	err := db.
		Preload("Allergies").
		Preload("Conditions").
		Preload("Medications").
		Preload("Contacts", func(tx *gorm.DB) *gorm.DB { return tx.Order("contacts.priority asc, contacts.id asc") }).
		Preload("Directives", "active = ?", true).
		Preload("Documents", "visible_in_emergency = ?", true).
		First(&patient, patientID).Error
	if err != nil {
		return nil, err
	}

	return &patient, nil
}

func FindPatientPassword(email string) (string, error) {
	patient := &Patient{}
	err := db.Select("Password").First(patient, "email = ?", email).Error
	if err != nil {
		return "", err
	}

	return patient.Password, nil
}

func CreatePatient(patient *Patient) error {
	passwordHash, err := auth.HashPassword(patient.Password)
	if err != nil {
		return err
	}
	patient.Password = passwordHash
	patient.EmergencyToken = uuid.NewString()

	return db.Create(patient).Error
}

func DeletePatient(id interface{}) error {
	return db.Delete(&Patient{}, id).Error
}

func AtLeastOnePatientExists() (bool, error) {
	err := db.First(&Patient{}).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}
