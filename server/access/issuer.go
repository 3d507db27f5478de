// Package access orchestrates one emergency disclosure: resolve the scanned
// stable token, score the accessor's credentials & rank nearby hospitals in
// parallel, persist the session, hand the clinical bundle back - then fire
// notifications, the live broadcast & the audit write as detached
// background work the response never waits on.
package access

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/vitaltag/vitaltag/server/audit"
	"github.com/vitaltag/vitaltag/server/broadcast"
	"github.com/vitaltag/vitaltag/server/hospitals"
	"github.com/vitaltag/vitaltag/server/models"
	"github.com/vitaltag/vitaltag/server/notifier"
	"github.com/vitaltag/vitaltag/server/trust"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound covers unresolvable tokens AND expired sessions - the two
	// are deliberately indistinguishable so callers can't probe whether a
	// token ever existed.
	ErrNotFound = errors.New("record not found")

	// ErrPolicyRejected means a license-mandatory role supplied a missing
	// or malformed license. Raised before any session exists.
	ErrPolicyRejected = errors.New("a valid license number is required for the claimed role")
)

// disclosedCategories is the fixed set of data categories an access session
// discloses - stamped on every session row for the audit trail.
const disclosedCategories = "identity,blood_type,allergies,conditions,medications,directives,donor_status,contacts,documents"

const signedURLTTL = 15 * time.Minute

// DocumentSigner mints short-lived download urls for emergency-visible
// documents. Optional - without one, documents are listed without urls.
type DocumentSigner interface {
	SignedDownloadURL(object string, ttl time.Duration) (string, error)
}

type Request struct {
	Token           string
	AccessorName    string
	AccessorRole    string
	AccessorLicense string
	Institution     string
	Latitude        *float64
	Longitude       *float64
	LocationName    string
	IPAddress       string
}

type DocumentRef struct {
	ID           uint       `json:"id"`
	Title        string     `json:"title"`
	Category     string     `json:"category,omitempty"`
	FileType     string     `json:"file_type,omitempty"`
	DocumentDate *time.Time `json:"document_date,omitempty"`
	Institution  string     `json:"institution,omitempty"`
	DownloadURL  string     `json:"download_url,omitempty"`
}

type ContactRef struct {
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
	Relation string `json:"relation,omitempty"`
	Priority int    `json:"priority"`
}

// Bundle is the time-boxed clinical payload handed to the accessor.
type Bundle struct {
	SessionID        string                `json:"session_id"`
	ExpiresAt        time.Time             `json:"expires_at"`
	TrustLevel       string                `json:"trust_level"`
	PatientName      string                `json:"patient_name"`
	BloodType        string                `json:"blood_type,omitempty"`
	OrganDonor       bool                  `json:"organ_donor"`
	Allergies        []string              `json:"allergies"`
	Conditions       []string              `json:"conditions"`
	Medications      []string              `json:"medications"`
	DirectiveSummary string                `json:"directive_summary,omitempty"`
	Contacts         []ContactRef          `json:"contacts"`
	Documents        []DocumentRef         `json:"documents"`
	NearbyHospitals  []hospitals.Candidate `json:"nearby_hospitals"`
}

type Issuer struct {
	evaluator  *trust.Evaluator
	ranker     *hospitals.Ranker
	dispatcher *notifier.Dispatcher
	hub        *broadcast.Hub
	recorder   *audit.Recorder
	signer     DocumentSigner
	logg       *zap.SugaredLogger

	background sync.WaitGroup
}

func NewIssuer(
	evaluator *trust.Evaluator,
	ranker *hospitals.Ranker,
	dispatcher *notifier.Dispatcher,
	hub *broadcast.Hub,
	recorder *audit.Recorder,
	signer DocumentSigner,
	logg *zap.SugaredLogger,
) *Issuer {
	return &Issuer{
		evaluator:  evaluator,
		ranker:     ranker,
		dispatcher: dispatcher,
		hub:        hub,
		recorder:   recorder,
		signer:     signer,
		logg:       logg,
	}
}

// Issue handles one scan. The returned bundle is complete - there are no
// partial bundles; anything that would leave one incomplete is fatal &
// reported as a generic failure.
func (issuer *Issuer) Issue(ctx context.Context, req Request) (*Bundle, error) {
	// Fail closed, before the record is even looked up: a license-mandatory
	// role without a well-formed license never creates a session.
	if trust.LicenseRequiredForRole(req.AccessorRole) && !trust.ValidLicenseFormat(req.AccessorLicense) {
		return nil, ErrPolicyRejected
	}

	patient, err := models.FindPatientByEmergencyToken(req.Token)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "resolving emergency token")
	}

	// Credential scoring & hospital ranking are independent read-only
	// steps; run them side by side.
	evalChan := make(chan trust.Evaluation, 1)
	candidatesChan := make(chan []hospitals.Candidate, 1)

	go func() {
		evalChan <- issuer.evaluator.Evaluate(ctx, trust.EvaluationRequest{
			AccessorName: req.AccessorName,
			AccessorRole: req.AccessorRole,
			License:      req.AccessorLicense,
		})
	}()

	go func() {
		candidatesChan <- issuer.rankHospitals(req, patient.ConditionNames())
	}()

	evaluation := <-evalChan
	candidates := <-candidatesChan

	session := &models.AccessSession{
		PatientID:       patient.ID,
		AccessorName:    req.AccessorName,
		AccessorRole:    req.AccessorRole,
		AccessorLicense: req.AccessorLicense,
		Institution:     req.Institution,
		TrustLevel:      evaluation.TrustLevel,
		LocationLat:     req.Latitude,
		LocationLng:     req.Longitude,
		LocationName:    req.LocationName,
		DataCategories:  disclosedCategories,
	}
	if err := models.CreateAccessSession(session); err != nil {
		return nil, pkgerrors.Wrap(err, "creating access session")
	}

	bundle, err := issuer.buildBundle(patient, session, candidates)
	if err != nil {
		return nil, err
	}

	issuer.startBackgroundPhase(patient, session, candidates, req.IPAddress)

	return bundle, nil
}

// ReadSession re-reads an open session. At or after expiry this behaves
// exactly like a session that never existed.
func (issuer *Issuer) ReadSession(sessionID string) (*Bundle, error) {
	session, err := models.FindActiveAccessSession(sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading access session")
	}

	patient, err := models.FindPatientWithClinicalData(session.PatientID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "loading patient for session")
	}

	candidates := []hospitals.Candidate{}
	if session.LocationLat != nil && session.LocationLng != nil {
		candidates, err = issuer.ranker.Rank(
			*session.LocationLat, *session.LocationLng, hospitals.DEFAULT_RADIUS_KM, patient.ConditionNames())
		if err != nil {
			issuer.logg.Errorf("hospital ranking failed on session re-read: %v", err)
			candidates = []hospitals.Candidate{}
		}
	}

	return issuer.buildBundle(patient, session, candidates)
}

// CancelAlert republishes a cancellation marker to the patient's broadcast
// groups - the panic-button "all clear".
func (issuer *Issuer) CancelAlert(patientID uint, patientName string) {
	issuer.hub.PublishAccessCancelled(broadcast.Event{
		PatientID:   patientID,
		PatientName: patientName,
	})
}

// Wait blocks until all in-flight background work has drained. Used on
// shutdown & in tests; the request path never calls it.
func (issuer *Issuer) Wait() {
	issuer.background.Wait()
}

func (issuer *Issuer) rankHospitals(req Request, conditions []string) []hospitals.Candidate {
	if req.Latitude == nil || req.Longitude == nil {
		return []hospitals.Candidate{}
	}

	candidates, err := issuer.ranker.Rank(*req.Latitude, *req.Longitude, hospitals.DEFAULT_RADIUS_KM, conditions)
	if err != nil {
		// A failed ranking degrades the bundle's hospital list, it never
		// blocks the disclosure.
		issuer.logg.Errorf("hospital ranking failed: %v", err)
		return []hospitals.Candidate{}
	}

	return candidates
}

func (issuer *Issuer) buildBundle(patient *models.Patient, session *models.AccessSession, candidates []hospitals.Candidate) (*Bundle, error) {
	directiveSummary, err := models.ActiveDirectiveSummary(patient.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "loading directive summary")
	}

	bundle := &Bundle{
		SessionID:        session.SessionID,
		ExpiresAt:        session.ExpiresAt,
		TrustLevel:       session.TrustLevel,
		PatientName:      patient.FullName(),
		BloodType:        patient.BloodType,
		OrganDonor:       patient.OrganDonor,
		Allergies:        []string{},
		Conditions:       patient.ConditionNames(),
		Medications:      []string{},
		DirectiveSummary: directiveSummary,
		Contacts:         []ContactRef{},
		Documents:        []DocumentRef{},
		NearbyHospitals:  candidates,
	}

	for _, allergy := range patient.Allergies {
		name := allergy.Name
		if allergy.Severity != "" {
			name = fmt.Sprintf("%v (%v)", allergy.Name, allergy.Severity)
		}
		bundle.Allergies = append(bundle.Allergies, name)
	}

	for _, medication := range patient.Medications {
		name := medication.Name
		if medication.Dosage != "" {
			name = fmt.Sprintf("%v %v", medication.Name, medication.Dosage)
		}
		bundle.Medications = append(bundle.Medications, name)
	}

	for _, contact := range patient.Contacts {
		bundle.Contacts = append(bundle.Contacts, ContactRef{
			Name:     contact.FullName(),
			Phone:    contact.PhoneNumber,
			Relation: contact.Relation,
			Priority: contact.Priority,
		})
	}

	for _, document := range patient.Documents {
		ref := DocumentRef{
			ID:           document.ID,
			Title:        document.Title,
			Category:     document.Category,
			FileType:     document.FileType,
			DocumentDate: document.DocumentDate,
			Institution:  document.Institution,
		}

		if issuer.signer != nil {
			url, err := issuer.signer.SignedDownloadURL(document.ObjectName, signedURLTTL)
			if err != nil {
				// List the document anyway; a missing url beats a missing bundle.
				issuer.logg.Errorf("signing download url for document %v: %v", document.ID, err)
			} else {
				ref.DownloadURL = url
			}
		}

		bundle.Documents = append(bundle.Documents, ref)
	}

	return bundle, nil
}

// startBackgroundPhase fires the side effects - contact notification, live
// broadcast, audit write - as supervised goroutines. They are joined only
// for logging & shutdown, never by the response path; a panic or error in
// one is isolated from the others & from the caller.
func (issuer *Issuer) startBackgroundPhase(patient *models.Patient, session *models.AccessSession, candidates []hospitals.Candidate, ipAddress string) {
	alert := notifier.Alert{
		PatientName:     patient.FullName(),
		PatientID:       patient.ID,
		AccessorName:    session.AccessorName,
		AccessorRole:    session.AccessorRole,
		TrustLevel:      session.TrustLevel,
		Location:        locationLabel(session),
		NearestHospital: nearestHospitalName(candidates),
		Hospitals:       candidates,
		OccurredAt:      session.IssuedAt,
	}

	issuer.spawn("notification dispatch", func() {
		contacts, err := models.ContactsForEmergencyAlert(patient.ID)
		if err != nil {
			issuer.logg.Errorf("loading contacts for patient %v: %v", patient.ID, err)
			return
		}

		issuer.dispatcher.Dispatch(context.Background(), alert, contacts)
	})

	issuer.spawn("realtime broadcast", func() {
		issuer.hub.PublishAccessAlert(broadcast.Event{
			PatientName:     alert.PatientName,
			PatientID:       alert.PatientID,
			AccessorName:    alert.AccessorName,
			AccessorRole:    alert.AccessorRole,
			TrustLevel:      alert.TrustLevel,
			Location:        alert.Location,
			NearestHospital: alert.NearestHospital,
			NearbyHospitals: alert.Hospitals,
			Timestamp:       session.IssuedAt,
		})
	})

	issuer.spawn("audit write", func() {
		issuer.recorder.RecordEmergencyAccess(session, ipAddress)
	})
}

// spawn runs fn detached but supervised: panics are recovered & logged so
// operators still see them, and Wait can drain in-flight work on shutdown.
func (issuer *Issuer) spawn(name string, fn func()) {
	issuer.background.Add(1)
	go func() {
		defer issuer.background.Done()
		defer func() {
			if r := recover(); r != nil {
				issuer.logg.Errorf("background %v panicked: %v\n%s", name, r, debug.Stack())
			}
		}()

		fn()
	}()
}

func locationLabel(session *models.AccessSession) string {
	if session.LocationName != "" {
		return session.LocationName
	}

	if session.LocationLat != nil && session.LocationLng != nil {
		return strings.TrimSpace(fmt.Sprintf("%.5f, %.5f", *session.LocationLat, *session.LocationLng))
	}

	return ""
}

func nearestHospitalName(candidates []hospitals.Candidate) string {
	if len(candidates) == 0 {
		return ""
	}

	nearest := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.DistanceKm < nearest.DistanceKm {
			nearest = candidate
		}
	}

	return nearest.Name
}
