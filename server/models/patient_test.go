package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vitaltag/vitaltag/server/auth"
	"gorm.io/gorm"
)

func TestCreatePatient(t *testing.T) {
	InitializeTestDb()

	patient := &Patient{
		FirstName:   "Ada",
		LastName:    "Gray",
		PhoneNumber: "+15551230000",
		Email:       "ada@example.com",
		Password:    "secret-password",
	}
	assert.Nil(t, CreatePatient(patient))

	assert.NotEmpty(t, patient.EmergencyToken, "every patient gets a stable token at signup")
	assert.NotEqual(t, "secret-password", patient.Password, "passwords are stored hashed")
	assert.True(t, auth.CheckPasswordHash("secret-password", patient.Password))
}

func TestFindPatientByEmergencyToken(t *testing.T) {
	InitializeTestDb()

	patient := &Patient{
		FirstName:   "Ada",
		LastName:    "Gray",
		PhoneNumber: "+15551230000",
		Email:       "ada@example.com",
		Password:    "secret-password",
		Allergies:   []Allergy{{Name: "Penicillin", Severity: "severe"}},
		Conditions:  []MedicalCondition{{Name: "Type 1 Diabetes"}},
		Contacts: []Contact{
			{FirstName: "Mia", LastName: "Gray", PhoneNumber: "+15551230002", Priority: 2},
			{FirstName: "John", LastName: "Gray", PhoneNumber: "+15551230001", Priority: 1},
		},
		Directives: []Directive{
			{Kind: "DNR", Summary: "Do not resuscitate", Active: true},
		},
	}
	assert.Nil(t, CreatePatient(patient))

	found, err := FindPatientByEmergencyToken(patient.EmergencyToken)
	assert.Nil(t, err)

	assert.Equal(t, "Ada Gray", found.FullName())
	assert.Len(t, found.Allergies, 1)
	assert.Equal(t, []string{"Type 1 Diabetes"}, found.ConditionNames())
	assert.Len(t, found.Contacts, 2)
	assert.Equal(t, "John Gray", found.Contacts[0].FullName(), "contacts are priority-ordered")
	assert.Len(t, found.Directives, 1)
}

func TestRegenerateEmergencyToken(t *testing.T) {
	InitializeTestDb()

	patient := &Patient{
		FirstName:   "Ada",
		LastName:    "Gray",
		PhoneNumber: "+15551230000",
		Email:       "ada@example.com",
		Password:    "secret-password",
	}
	assert.Nil(t, CreatePatient(patient))
	oldToken := patient.EmergencyToken

	newToken, err := patient.RegenerateEmergencyToken()
	assert.Nil(t, err)
	assert.NotEqual(t, oldToken, newToken)

	_, err = FindPatientByEmergencyToken(oldToken)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound, "the old token stops resolving immediately")

	found, err := FindPatientByEmergencyToken(newToken)
	assert.Nil(t, err)
	assert.Equal(t, patient.ID, found.ID)
}

func TestActiveDirectiveSummary(t *testing.T) {
	InitializeTestDb()

	patient := &Patient{
		FirstName:   "Ada",
		LastName:    "Gray",
		PhoneNumber: "+15551230000",
		Email:       "ada@example.com",
		Password:    "secret-password",
		Directives: []Directive{
			{Kind: "DNR", Summary: "Do not resuscitate", Active: true},
			{Kind: "ORGAN_DONATION", Summary: "All organs", Active: true},
		},
	}
	assert.Nil(t, CreatePatient(patient))

	summary, err := ActiveDirectiveSummary(patient.ID)
	assert.Nil(t, err)
	assert.Equal(t, "DNR: Do not resuscitate; ORGAN_DONATION: All organs", summary)
}

func TestAuditTrailForPatient(t *testing.T) {
	InitializeTestDb()

	patient := &Patient{
		FirstName:   "Ada",
		LastName:    "Gray",
		PhoneNumber: "+15551230000",
		Email:       "ada@example.com",
		Password:    "secret-password",
	}
	assert.Nil(t, CreatePatient(patient))

	for _, actor := range []string{"Jane Doe", "Sam Reed"} {
		err := AppendAuditEntry(&AuditEntry{
			ActorName:  actor,
			ActorType:  STAFF_ACTOR,
			Action:     EMERGENCY_ACCESS_ACTION,
			ResourceID: patient.ID,
		})
		assert.Nil(t, err)
	}

	entries, paging, err := FetchAuditEntriesForPatient(patient.ID, 1)
	assert.Nil(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, "Sam Reed", entries[0].ActorName, "newest entry first")
	assert.Equal(t, int64(2), paging.Total)
}
