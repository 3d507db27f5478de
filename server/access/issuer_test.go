package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vitaltag/vitaltag/server/audit"
	"github.com/vitaltag/vitaltag/server/broadcast"
	"github.com/vitaltag/vitaltag/server/hospitals"
	"github.com/vitaltag/vitaltag/server/models"
	"github.com/vitaltag/vitaltag/server/notifier"
	"github.com/vitaltag/vitaltag/server/trust"
	"github.com/vitaltag/vitaltag/server/verification"
	"github.com/vitaltag/vitaltag/shared"
	"go.uber.org/zap"
)

type fakeRegistry struct {
	record *trust.RegistryRecord
	err    error
}

func (f *fakeRegistry) Lookup(ctx context.Context, license string) (*trust.RegistryRecord, error) {
	return f.record, f.err
}

type fakeMessenger struct {
	mu            sync.Mutex
	whatsAppCalls []string
	smsCalls      []string
}

func (f *fakeMessenger) WhatsAppEnabled() bool { return true }

func (f *fakeMessenger) SendWhatsApp(to, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.whatsAppCalls = append(f.whatsAppCalls, to)
	return nil
}

func (f *fakeMessenger) SendSMS(to, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.smsCalls = append(f.smsCalls, to)
	return nil
}

func (f *fakeMessenger) whatsAppCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.whatsAppCalls)
}

type disabledMailer struct{}

func (disabledMailer) Enabled() bool                            { return false }
func (disabledMailer) Send(to []string, subject, b string) error { return nil }

type failingAuditStore struct{}

func (failingAuditStore) Append(*models.AuditEntry) error {
	return errors.New("audit table unavailable")
}

func newTestIssuer(registry trust.RegistryClient, messenger *fakeMessenger, recorder *audit.Recorder) *Issuer {
	logg := zap.NewNop().Sugar()
	store := verification.NewStore(shared.RedisConfig{})

	if recorder == nil {
		recorder = audit.NewRecorder(logg)
	}

	return NewIssuer(
		trust.NewEvaluator(registry, store, logg),
		hospitals.NewRanker(logg),
		notifier.NewDispatcher(messenger, disabledMailer{}, logg),
		broadcast.NewHub(logg),
		recorder,
		nil,
		logg,
	)
}

func createTestPatient(t *testing.T) *models.Patient {
	t.Helper()

	patient := &models.Patient{
		FirstName:   "Ada",
		LastName:    "Gray",
		PhoneNumber: "+15551230000",
		Email:       "ada@example.com",
		Password:    "secret-password",
		BloodType:   "O-",
		OrganDonor:  true,
		Allergies:   []models.Allergy{{Name: "Penicillin", Severity: "severe"}},
		Conditions:  []models.MedicalCondition{{Name: "Cardiac Arrhythmia"}},
		Medications: []models.Medication{{Name: "Metoprolol", Dosage: "50mg"}},
		Contacts: []models.Contact{
			{FirstName: "John", LastName: "Gray", PhoneNumber: "+15551230001", Relation: "spouse", Priority: 1},
			{FirstName: "Mia", LastName: "Gray", PhoneNumber: "+15551230002", Relation: "daughter", Priority: 2},
		},
		Directives: []models.Directive{{Kind: "DNR", Summary: "Do not resuscitate", Active: true}},
	}
	assert.Nil(t, models.CreatePatient(patient))

	return patient
}

func doctorRequest(token string) Request {
	lat, lng := 43.6532, -79.3832
	return Request{
		Token:           token,
		AccessorName:    "Jane Doe",
		AccessorRole:    models.ROLE_DOCTOR,
		AccessorLicense: "1234567",
		Institution:     "City General",
		Latitude:        &lat,
		Longitude:       &lng,
		LocationName:    "Queen St W",
		IPAddress:       "203.0.113.9",
	}
}

func TestIssueEmergencyAccess(t *testing.T) {
	models.InitializeTestDb()
	assert.Nil(t, models.CreateHospital(&models.Hospital{
		Name: "Heart Institute", Latitude: 43.66, Longitude: -79.38, HasCardiology: true,
	}))

	patient := createTestPatient(t)
	messenger := &fakeMessenger{}
	registry := &fakeRegistry{record: &trust.RegistryRecord{License: "1234567", FullName: "Jane Doe", Active: true}}
	issuer := newTestIssuer(registry, messenger, nil)

	bundle, err := issuer.Issue(context.Background(), doctorRequest(patient.EmergencyToken))
	assert.Nil(t, err)

	assert.NotEmpty(t, bundle.SessionID)
	assert.NotEqual(t, patient.EmergencyToken, bundle.SessionID, "the per-scan id must never be the stable token")
	assert.WithinDuration(t, time.Now().UTC().Add(models.SESSION_TTL), bundle.ExpiresAt, 5*time.Second)

	assert.Equal(t, trust.TRUST_VERIFIED, bundle.TrustLevel)
	assert.Equal(t, "Ada Gray", bundle.PatientName)
	assert.Equal(t, "O-", bundle.BloodType)
	assert.True(t, bundle.OrganDonor)
	assert.Equal(t, []string{"Penicillin (severe)"}, bundle.Allergies)
	assert.Equal(t, []string{"Cardiac Arrhythmia"}, bundle.Conditions)
	assert.Equal(t, []string{"Metoprolol 50mg"}, bundle.Medications)
	assert.Contains(t, bundle.DirectiveSummary, "Do not resuscitate")
	assert.Len(t, bundle.Contacts, 2)
	assert.Equal(t, "John Gray", bundle.Contacts[0].Name, "contacts come back priority-ordered")
	assert.Len(t, bundle.NearbyHospitals, 1)
	assert.Equal(t, "Heart Institute", bundle.NearbyHospitals[0].Name)

	// The response never waits on notifications or the audit write - drain
	// the background phase explicitly before asserting on side effects.
	issuer.Wait()

	assert.ElementsMatch(t, []string{"+15551230001", "+15551230002"}, messenger.whatsAppCalls)

	entries, _, err := models.FetchAuditEntriesForPatient(patient.ID, 1)
	assert.Nil(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, models.EMERGENCY_ACCESS_ACTION, entries[0].Action)
	assert.Equal(t, "Jane Doe", entries[0].ActorName)
	assert.Equal(t, "203.0.113.9", entries[0].IPAddress)
	assert.Contains(t, entries[0].Details, bundle.SessionID)
}

func TestIssueUnknownTokenIsNotFound(t *testing.T) {
	models.InitializeTestDb()

	messenger := &fakeMessenger{}
	issuer := newTestIssuer(&fakeRegistry{}, messenger, nil)

	bundle, err := issuer.Issue(context.Background(), doctorRequest("no-such-token"))
	assert.Nil(t, bundle)
	assert.ErrorIs(t, err, ErrNotFound)

	issuer.Wait()
	assert.Zero(t, messenger.whatsAppCount(), "no notifications for a failed resolution")
}

func TestIssueRejectsLicenseMandatoryRoleWithoutLicense(t *testing.T) {
	models.InitializeTestDb()
	patient := createTestPatient(t)

	messenger := &fakeMessenger{}
	issuer := newTestIssuer(&fakeRegistry{}, messenger, nil)

	request := doctorRequest(patient.EmergencyToken)
	request.AccessorLicense = ""

	bundle, err := issuer.Issue(context.Background(), request)
	assert.Nil(t, bundle)
	assert.ErrorIs(t, err, ErrPolicyRejected)

	issuer.Wait()
	assert.Zero(t, messenger.whatsAppCount())

	entries, _, err := models.FetchAuditEntriesForPatient(patient.ID, 1)
	assert.Nil(t, err)
	assert.Empty(t, entries, "a rejected request never creates a session or an audit entry")
}

func TestIssueAllowsRecommendedRoleWithoutLicense(t *testing.T) {
	models.InitializeTestDb()
	patient := createTestPatient(t)

	issuer := newTestIssuer(&fakeRegistry{}, &fakeMessenger{}, nil)

	request := doctorRequest(patient.EmergencyToken)
	request.AccessorRole = models.ROLE_PARAMEDIC
	request.AccessorLicense = ""

	bundle, err := issuer.Issue(context.Background(), request)
	assert.Nil(t, err)
	assert.Equal(t, trust.TRUST_UNVERIFIED, bundle.TrustLevel, "fail open, score low")

	issuer.Wait()
}

func TestReadSessionRoundTrip(t *testing.T) {
	models.InitializeTestDb()
	patient := createTestPatient(t)

	issuer := newTestIssuer(
		&fakeRegistry{record: &trust.RegistryRecord{License: "1234567", FullName: "Jane Doe", Active: true}},
		&fakeMessenger{}, nil)

	issued, err := issuer.Issue(context.Background(), doctorRequest(patient.EmergencyToken))
	assert.Nil(t, err)
	issuer.Wait()

	reread, err := issuer.ReadSession(issued.SessionID)
	assert.Nil(t, err)
	assert.Equal(t, issued.SessionID, reread.SessionID)
	assert.Equal(t, issued.PatientName, reread.PatientName)
	assert.Equal(t, issued.TrustLevel, reread.TrustLevel)
}

func TestReadSessionUnknownIdIsNotFound(t *testing.T) {
	models.InitializeTestDb()

	issuer := newTestIssuer(&fakeRegistry{}, &fakeMessenger{}, nil)

	bundle, err := issuer.ReadSession("ffffffff-0000-0000-0000-000000000000")
	assert.Nil(t, bundle)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIssueSucceedsWhenAuditWriteFails(t *testing.T) {
	models.InitializeTestDb()
	patient := createTestPatient(t)

	recorder := audit.NewRecorderWithStore(failingAuditStore{}, zap.NewNop().Sugar())
	messenger := &fakeMessenger{}
	issuer := newTestIssuer(
		&fakeRegistry{record: &trust.RegistryRecord{License: "1234567", FullName: "Jane Doe", Active: true}},
		messenger, recorder)

	bundle, err := issuer.Issue(context.Background(), doctorRequest(patient.EmergencyToken))
	assert.Nil(t, err)
	assert.NotNil(t, bundle)

	issuer.Wait()

	// Notifications still went out even though the audit write failed
	assert.Equal(t, 2, messenger.whatsAppCount())

	entries, _, err := models.FetchAuditEntriesForPatient(patient.ID, 1)
	assert.Nil(t, err)
	assert.Empty(t, entries)
}

func TestIssueWithoutCoordinatesSkipsHospitalRanking(t *testing.T) {
	models.InitializeTestDb()
	patient := createTestPatient(t)

	issuer := newTestIssuer(
		&fakeRegistry{record: &trust.RegistryRecord{License: "1234567", FullName: "Jane Doe", Active: true}},
		&fakeMessenger{}, nil)

	request := doctorRequest(patient.EmergencyToken)
	request.Latitude = nil
	request.Longitude = nil

	bundle, err := issuer.Issue(context.Background(), request)
	assert.Nil(t, err)
	assert.Empty(t, bundle.NearbyHospitals)

	issuer.Wait()
}
