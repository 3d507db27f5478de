package models

// Contact is a person the patient designated to be alerted when their record
// is accessed. Priority is ascending - the priority-1 contact is notified
// first. The notify flags gate which alert kinds the contact receives.
type Contact struct {
	BaseModel
	FirstName         string `json:"first_name" validate:"required"`
	LastName          string `json:"last_name" validate:"required"`
	PhoneNumber       string `json:"phone_number" validate:"omitempty,e164"`
	Email             string `json:"email" validate:"omitempty,email"`
	Relation          string `json:"relation"`
	Priority          int    `json:"priority" gorm:"default:1"`
	NotifyOnEmergency bool   `json:"notify_on_emergency" gorm:"default:true"`
	NotifyOnAccess    bool   `json:"notify_on_access" gorm:"default:true"`
	PatientID         uint   `json:"patient_id" gorm:"not null"`
}

func (contact *Contact) FullName() string {
	return contact.FirstName + " " + contact.LastName
}

// ContactsForEmergencyAlert returns the patient's contacts that opted into
// emergency-access alerts, first-notified first.
func ContactsForEmergencyAlert(patientID uint) ([]Contact, error) {
	contacts := []Contact{}
	err := db.Where("patient_id = ? AND notify_on_emergency = ?", patientID, true).
		Order("priority asc, id asc").Find(&contacts).Error
	if err != nil {
		return nil, err
	}

	return contacts, nil
}

// ContactsForAccessAlert returns contacts that opted into routine
// record-access alerts, first-notified first.
func ContactsForAccessAlert(patientID uint) ([]Contact, error) {
	contacts := []Contact{}
	err := db.Where("patient_id = ? AND notify_on_access = ?", patientID, true).
		Order("priority asc, id asc").Find(&contacts).Error
	if err != nil {
		return nil, err
	}

	return contacts, nil
}
