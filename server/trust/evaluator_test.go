package trust

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/vitaltag/vitaltag/server/models"
	"github.com/vitaltag/vitaltag/server/verification"
	"github.com/vitaltag/vitaltag/shared"
	"go.uber.org/zap"
)

type fakeRegistry struct {
	record *RegistryRecord
	err    error
	calls  int
}

func (f *fakeRegistry) Lookup(ctx context.Context, license string) (*RegistryRecord, error) {
	f.calls++
	return f.record, f.err
}

func newTestEvaluator(registry RegistryClient) *Evaluator {
	return NewEvaluator(registry, verification.NewStore(shared.RedisConfig{}), zap.NewNop().Sugar())
}

func TestValidLicenseFormat(t *testing.T) {
	assert.True(t, ValidLicenseFormat("1234567"))
	assert.True(t, ValidLicenseFormat("12345678"))
	assert.True(t, ValidLicenseFormat("123-45 67"), "hyphens & spaces should be ignored")

	assert.False(t, ValidLicenseFormat(""))
	assert.False(t, ValidLicenseFormat("123456"), "6 digits is too short")
	assert.False(t, ValidLicenseFormat("123456789"), "9 digits is too long")
	assert.False(t, ValidLicenseFormat("12345A7"))
}

func TestLicenseRequiredForRole(t *testing.T) {
	assert.True(t, LicenseRequiredForRole(models.ROLE_DOCTOR))
	assert.True(t, LicenseRequiredForRole(models.ROLE_NURSE))

	assert.False(t, LicenseRequiredForRole(models.ROLE_PARAMEDIC))
	assert.False(t, LicenseRequiredForRole(models.ROLE_EMERGENCY_TECH))
	assert.False(t, LicenseRequiredForRole(models.ROLE_OTHER))
}

func TestEvaluateTrustLevels(t *testing.T) {
	activeRecord := &RegistryRecord{License: "1234567", FullName: "Jane Doe", Active: true}
	inactiveRecord := &RegistryRecord{License: "1234567", FullName: "Jane Doe", Active: false}

	testCases := []struct {
		name     string
		registry *fakeRegistry
		request  EvaluationRequest
		expected string
	}{
		{
			name:     "active record with matching name is VERIFIED",
			registry: &fakeRegistry{record: activeRecord},
			request:  EvaluationRequest{AccessorName: "Jane Doe", AccessorRole: models.ROLE_DOCTOR, License: "1234567"},
			expected: TRUST_VERIFIED,
		},
		{
			name:     "name casing & spacing do not break VERIFIED",
			registry: &fakeRegistry{record: activeRecord},
			request:  EvaluationRequest{AccessorName: "  jane   DOE ", AccessorRole: models.ROLE_DOCTOR, License: "123-4567"},
			expected: TRUST_VERIFIED,
		},
		{
			name:     "active record with a different name is HIGH",
			registry: &fakeRegistry{record: activeRecord},
			request:  EvaluationRequest{AccessorName: "John Smith", AccessorRole: models.ROLE_DOCTOR, License: "1234567"},
			expected: TRUST_HIGH,
		},
		{
			name:     "registry answered but has no record - MEDIUM",
			registry: &fakeRegistry{},
			request:  EvaluationRequest{AccessorName: "Jane Doe", AccessorRole: models.ROLE_DOCTOR, License: "1234567"},
			expected: TRUST_MEDIUM,
		},
		{
			name:     "inactive record scores like no record - MEDIUM",
			registry: &fakeRegistry{record: inactiveRecord},
			request:  EvaluationRequest{AccessorName: "Jane Doe", AccessorRole: models.ROLE_DOCTOR, License: "1234567"},
			expected: TRUST_MEDIUM,
		},
		{
			name:     "registry outage degrades to UNVERIFIED, never an error",
			registry: &fakeRegistry{err: errors.New("connection refused")},
			request:  EvaluationRequest{AccessorName: "Jane Doe", AccessorRole: models.ROLE_DOCTOR, License: "1234567"},
			expected: TRUST_UNVERIFIED,
		},
		{
			name:     "malformed license on a fail-open role is LOW",
			registry: &fakeRegistry{record: activeRecord},
			request:  EvaluationRequest{AccessorName: "Jane Doe", AccessorRole: models.ROLE_PARAMEDIC, License: "AB-9"},
			expected: TRUST_LOW,
		},
		{
			name:     "no license at all is UNVERIFIED",
			registry: &fakeRegistry{record: activeRecord},
			request:  EvaluationRequest{AccessorName: "Jane Doe", AccessorRole: models.ROLE_OTHER},
			expected: TRUST_UNVERIFIED,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			evaluation := newTestEvaluator(testCase.registry).Evaluate(context.Background(), testCase.request)
			assert.Equal(t, testCase.expected, evaluation.TrustLevel)
		})
	}
}

func TestEvaluateSkipsRegistryForMalformedLicense(t *testing.T) {
	registry := &fakeRegistry{record: &RegistryRecord{License: "1234567", Active: true}}

	newTestEvaluator(registry).Evaluate(context.Background(), EvaluationRequest{
		AccessorName: "Jane Doe",
		AccessorRole: models.ROLE_PARAMEDIC,
		License:      "not-a-license",
	})

	assert.Equal(t, 0, registry.calls, "malformed licenses should never hit the registry")
}

func TestEvaluateCachesRegistryResult(t *testing.T) {
	mr := miniredis.RunT(t)

	registry := &fakeRegistry{record: &RegistryRecord{License: "7654321", FullName: "Amy Poe", Active: true}}
	store := verification.NewStore(shared.RedisConfig{Addr: mr.Addr()})
	evaluator := NewEvaluator(registry, store, zap.NewNop().Sugar())

	request := EvaluationRequest{AccessorName: "Amy Poe", AccessorRole: models.ROLE_NURSE, License: "7654321"}

	first := evaluator.Evaluate(context.Background(), request)
	second := evaluator.Evaluate(context.Background(), request)

	assert.Equal(t, TRUST_VERIFIED, first.TrustLevel)
	assert.Equal(t, TRUST_VERIFIED, second.TrustLevel)
	assert.Equal(t, 1, registry.calls, "repeat scans within the TTL should be served from the cache")
}
