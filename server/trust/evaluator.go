package trust

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/vitaltag/vitaltag/server/models"
	"github.com/vitaltag/vitaltag/server/verification"
	"github.com/vitaltag/vitaltag/utils"
	"go.uber.org/zap"
)

const (
	TRUST_VERIFIED   = "VERIFIED"
	TRUST_HIGH       = "HIGH"
	TRUST_MEDIUM     = "MEDIUM"
	TRUST_LOW        = "LOW"
	TRUST_UNVERIFIED = "UNVERIFIED"
)

// How long a registry answer is trusted before the registry is asked again.
const registryResultTTL = 15 * time.Minute

// License numbers are 7-8 digits once whitespace & hyphens are stripped.
var licenseFormatRegexp = regexp.MustCompile(`^[0-9]{7,8}$`)

type rolePolicy struct {
	LicenseRequired    bool
	LicenseRecommended bool
}

var rolePolicies = map[string]rolePolicy{
	models.ROLE_DOCTOR:         {LicenseRequired: true},
	models.ROLE_NURSE:          {LicenseRequired: true},
	models.ROLE_PARAMEDIC:      {LicenseRecommended: true},
	models.ROLE_EMERGENCY_TECH: {LicenseRecommended: true},
	models.ROLE_OTHER:          {},
}

// LicenseRequiredForRole reports whether the entry point must reject the
// request outright when the license is missing or malformed (fail closed).
// Recommended-license roles fail open - they just score lower.
func LicenseRequiredForRole(role string) bool {
	return rolePolicies[role].LicenseRequired
}

func ValidLicenseFormat(license string) bool {
	return licenseFormatRegexp.MatchString(utils.StripSpacesAndHyphens(license))
}

// signals are the independent facts the rule table is matched against.
type signals struct {
	licenseProvided   bool
	validFormat       bool
	registryAvailable bool
	registryMatch     bool
	nameMatch         bool
}

type condition int8

const (
	either condition = iota
	yes
	no
)

func (c condition) matches(v bool) bool {
	return c == either || (c == yes) == v
}

type trustRule struct {
	licenseProvided   condition
	validFormat       condition
	registryAvailable condition
	registryMatch     condition
	nameMatch         condition
	level             string
}

// First matching rule wins. New roles or signals get a new row here, not a
// new branch in Evaluate. Registry unavailability lands on UNVERIFIED - the
// lower level - per the degrade-never-block policy. LOW is only reachable
// for roles that tolerate an invalid license; license-mandatory roles are
// rejected at the entry point before evaluation runs.
var trustRules = []trustRule{
	{yes, yes, yes, yes, yes, TRUST_VERIFIED},
	{yes, yes, yes, yes, either, TRUST_HIGH},
	{yes, yes, yes, no, either, TRUST_MEDIUM},
	{yes, yes, no, either, either, TRUST_UNVERIFIED},
	{yes, no, either, either, either, TRUST_LOW},
	{no, either, either, either, either, TRUST_UNVERIFIED},
}

func (rule trustRule) matches(sig signals) bool {
	return rule.licenseProvided.matches(sig.licenseProvided) &&
		rule.validFormat.matches(sig.validFormat) &&
		rule.registryAvailable.matches(sig.registryAvailable) &&
		rule.registryMatch.matches(sig.registryMatch) &&
		rule.nameMatch.matches(sig.nameMatch)
}

func levelFor(sig signals) string {
	for _, rule := range trustRules {
		if rule.matches(sig) {
			return rule.level
		}
	}
	return TRUST_UNVERIFIED
}

// Evaluation is the scored outcome plus the raw signals, for logging & the
// audit trail.
type Evaluation struct {
	TrustLevel    string `json:"trust_level"`
	LicenseValid  bool   `json:"license_valid"`
	RegistryMatch bool   `json:"registry_match"`
	NameMatch     bool   `json:"name_match"`
}

type EvaluationRequest struct {
	AccessorName string
	AccessorRole string
	License      string
}

// Evaluator scores how well an accessor's claimed credential was
// corroborated. It never returns an error - a registry outage degrades the
// score instead of blocking life-critical access.
type Evaluator struct {
	registry RegistryClient
	store    *verification.Store
	logg     *zap.SugaredLogger
}

func NewEvaluator(registry RegistryClient, store *verification.Store, logg *zap.SugaredLogger) *Evaluator {
	return &Evaluator{registry: registry, store: store, logg: logg}
}

func (e *Evaluator) Evaluate(ctx context.Context, req EvaluationRequest) Evaluation {
	license := utils.StripSpacesAndHyphens(req.License)

	sig := signals{licenseProvided: license != ""}
	sig.validFormat = sig.licenseProvided && licenseFormatRegexp.MatchString(license)

	if sig.validFormat {
		record, err := e.lookupRegistry(ctx, license)
		switch {
		case err != nil:
			e.logg.Warnf("registry lookup failed for license ending %v: %v", lastDigits(license), err)
		case record == nil:
			sig.registryAvailable = true
		default:
			sig.registryAvailable = true
			sig.registryMatch = record.Active && utils.StripSpacesAndHyphens(record.License) == license
			sig.nameMatch = sig.registryMatch && namesMatch(record.FullName, req.AccessorName)
		}
	}

	return Evaluation{
		TrustLevel:    levelFor(sig),
		LicenseValid:  sig.validFormat,
		RegistryMatch: sig.registryMatch,
		NameMatch:     sig.nameMatch,
	}
}

// lookupRegistry consults the shared verification store first so repeat
// scans within the TTL don't hammer the registry.
func (e *Evaluator) lookupRegistry(ctx context.Context, license string) (*RegistryRecord, error) {
	cacheKey := "registry:" + license

	cached := RegistryRecord{}
	found, err := e.store.Get(ctx, cacheKey, &cached)
	if err != nil {
		e.logg.Warnf("verification store read failed: %v", err)
	}
	if found {
		return &cached, nil
	}

	record, err := e.registry.Lookup(ctx, license)
	if err != nil {
		return nil, err
	}

	if record != nil {
		if err := e.store.Put(ctx, cacheKey, record, registryResultTTL); err != nil {
			e.logg.Warnf("verification store write failed: %v", err)
		}
	}

	return record, nil
}

func namesMatch(registryName, claimedName string) bool {
	return normalizeName(registryName) != "" &&
		normalizeName(registryName) == normalizeName(claimedName)
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func lastDigits(license string) string {
	if len(license) <= 3 {
		return license
	}
	return license[len(license)-3:]
}
