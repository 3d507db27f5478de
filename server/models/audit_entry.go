package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	STAFF_ACTOR             = "STAFF"
	EMERGENCY_ACCESS_ACTION = "EMERGENCY_ACCESS"
)

// AuditEntry is append-only. Nothing in this package updates or deletes
// rows once written - retention is someone else's policy.
type AuditEntry struct {
	BaseModel
	ActorName  string    `json:"actor_name" gorm:"not null"`
	ActorType  string    `json:"actor_type" gorm:"not null"`
	Action     string    `json:"action" gorm:"not null"`
	ResourceID uint      `json:"resource_id" gorm:"not null;index"`
	Details    string    `json:"details"`
	IPAddress  string    `json:"ip_address,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func AppendAuditEntry(entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	return db.Create(entry).Error
}

// FetchAuditEntriesForPatient powers the patient's access-history view,
// newest first.
func FetchAuditEntriesForPatient(patientID interface{}, page int) ([]AuditEntry, *Paging, error) {
	var total int64
	entries := []AuditEntry{}

	err := db.Model(&AuditEntry{}).Where("resource_id = ?", patientID).Count(&total).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}

	err = db.Scopes(paginate(page, MAX_PAGE_SIZE)).
		Where("resource_id = ?", patientID).
		Order("audit_entries.id desc").Find(&entries).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}

	return entries, newPaging(int64(page), MAX_PAGE_SIZE, total), nil
}
