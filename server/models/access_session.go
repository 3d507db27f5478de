package models

import (
	"time"

	"github.com/google/uuid"
)

// SESSION_TTL is how long a single emergency disclosure stays readable.
// Fixed - not configurable per call.
const SESSION_TTL = 60 * time.Minute

const (
	ROLE_DOCTOR         = "DOCTOR"
	ROLE_NURSE          = "NURSE"
	ROLE_PARAMEDIC      = "PARAMEDIC"
	ROLE_EMERGENCY_TECH = "EMERGENCY_TECH"
	ROLE_OTHER          = "OTHER"
)

var AccessorRoleNameMap = map[string]bool{
	ROLE_DOCTOR:         true,
	ROLE_NURSE:          true,
	ROLE_PARAMEDIC:      true,
	ROLE_EMERGENCY_TECH: true,
	ROLE_OTHER:          true,
}

// AccessSession records one emergency disclosure event. SessionID is a fresh
// opaque identifier per scan - never the patient's stable emergency token.
// Rows are written once & kept for audit; expiry is enforced lazily on read.
type AccessSession struct {
	BaseModel
	SessionID       string    `json:"session_id" gorm:"not null;uniqueIndex"`
	PatientID       uint      `json:"patient_id" gorm:"not null"`
	AccessorName    string    `json:"accessor_name" gorm:"not null"`
	AccessorRole    string    `json:"accessor_role" gorm:"not null"`
	AccessorLicense string    `json:"accessor_license,omitempty"`
	Institution     string    `json:"institution,omitempty"`
	TrustLevel      string    `json:"trust_level" gorm:"not null"`
	LocationLat     *float64  `json:"location_lat,omitempty"`
	LocationLng     *float64  `json:"location_lng,omitempty"`
	LocationName    string    `json:"location_name,omitempty"`
	DataCategories  string    `json:"data_categories"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// CreateAccessSession assigns the opaque session id & expiry window, then
// persists the row. The caller fills in accessor & location fields.
func CreateAccessSession(session *AccessSession) error {
	now := time.Now().UTC()
	session.SessionID = uuid.NewString()
	session.IssuedAt = now
	session.ExpiresAt = now.Add(SESSION_TTL)

	return db.Create(session).Error
}

// FindActiveAccessSession returns the session only while its window is open.
// An expired session & a session that never existed produce the same
// gorm.ErrRecordNotFound, so callers can't tell the two apart.
func FindActiveAccessSession(sessionID string) (*AccessSession, error) {
	session := AccessSession{}
	err := db.Where("session_id = ? AND expires_at > ?", sessionID, time.Now().UTC()).
		First(&session).Error
	if err != nil {
		return nil, err
	}

	return &session, nil
}
