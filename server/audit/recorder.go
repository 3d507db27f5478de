// Package audit appends the immutable trail of emergency disclosures. A
// failed write is an operator problem, never the accessing clinician's -
// errors are logged & swallowed.
package audit

import (
	"encoding/json"

	"github.com/vitaltag/vitaltag/server/models"
	"go.uber.org/zap"
)

// Store appends entries to the audit trail. Split out so tests can fail
// writes on purpose.
type Store interface {
	Append(entry *models.AuditEntry) error
}

type dbStore struct{}

func (dbStore) Append(entry *models.AuditEntry) error {
	return models.AppendAuditEntry(entry)
}

type Recorder struct {
	store Store
	logg  *zap.SugaredLogger
}

func NewRecorder(logg *zap.SugaredLogger) *Recorder {
	return &Recorder{store: dbStore{}, logg: logg}
}

func NewRecorderWithStore(store Store, logg *zap.SugaredLogger) *Recorder {
	return &Recorder{store: store, logg: logg}
}

type accessDetails struct {
	Role        string `json:"role"`
	Institution string `json:"institution,omitempty"`
	Location    string `json:"location,omitempty"`
	TrustLevel  string `json:"trust_level"`
	SessionID   string `json:"session_id"`
}

// RecordEmergencyAccess appends one entry for a disclosure event. It is
// called promptly from the background phase - attempted immediately, just
// never awaited by the response path.
func (r *Recorder) RecordEmergencyAccess(session *models.AccessSession, ipAddress string) {
	details, err := json.Marshal(accessDetails{
		Role:        session.AccessorRole,
		Institution: session.Institution,
		Location:    session.LocationName,
		TrustLevel:  session.TrustLevel,
		SessionID:   session.SessionID,
	})
	if err != nil {
		r.logg.Errorf("audit: unable to marshal details for session %v: %v", session.SessionID, err)
		return
	}

	entry := &models.AuditEntry{
		ActorName:  session.AccessorName,
		ActorType:  models.STAFF_ACTOR,
		Action:     models.EMERGENCY_ACCESS_ACTION,
		ResourceID: session.PatientID,
		Details:    string(details),
		IPAddress:  ipAddress,
		Timestamp:  session.IssuedAt,
	}

	if err := r.store.Append(entry); err != nil {
		r.logg.Errorf("audit: failed to append entry for patient %v session %v: %v",
			session.PatientID, session.SessionID, err)
	}
}
