package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/mux"
	"github.com/vitaltag/vitaltag/server/access"
	"github.com/vitaltag/vitaltag/server/auth"
	"github.com/vitaltag/vitaltag/server/auth/key"
	"github.com/vitaltag/vitaltag/server/broadcast"
	"github.com/vitaltag/vitaltag/server/models"
	"github.com/vitaltag/vitaltag/version"
	"gorm.io/gorm"
)

type ResponsePayload struct {
	Errors  []string    `json:"errors,omitempty"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

type DecodedJWT struct {
	Claims   *auth.VitalTagTokenClaims
	ErrorMsg string
}

type RequestContextKey string

type emergencyAccessParams struct {
	Token           string   `json:"token" validate:"required"`
	AccessorName    string   `json:"accessor_name" validate:"required"`
	AccessorRole    string   `json:"accessor_role" validate:"required,accessor_role"`
	AccessorLicense string   `json:"accessor_license"`
	Institution     string   `json:"institution"`
	Latitude        *float64 `json:"latitude"`
	Longitude       *float64 `json:"longitude"`
	LocationName    string   `json:"location_name"`
}

// ---------------------------------------------------------------------------------//
// Emergency access handlers
// --------------------------------------------------------------------------------//

// emergencyAccess is the unauthenticated scan entry point. A valid token
// returns the clinical bundle immediately; notifications, the live broadcast
// & the audit write happen in the background after the response is sent.
func emergencyAccess(rw http.ResponseWriter, r *http.Request) {
	params := emergencyAccessParams{}

	err := json.NewDecoder(r.Body).Decode(&params)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	errs := validate.Struct(params)
	if errs != nil {
		writeResponse(rw, ResponsePayload{Errors: strings.Split(errs.Error(), "\n")}, http.StatusBadRequest)
		return
	}

	bundle, err := accessIssuer.Issue(r.Context(), access.Request{
		Token:           params.Token,
		AccessorName:    params.AccessorName,
		AccessorRole:    params.AccessorRole,
		AccessorLicense: params.AccessorLicense,
		Institution:     params.Institution,
		Latitude:        params.Latitude,
		Longitude:       params.Longitude,
		LocationName:    params.LocationName,
		IPAddress:       requestIP(r),
	})

	if errors.Is(err, access.ErrPolicyRejected) {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusUnprocessableEntity)
		return
	}

	if errors.Is(err, access.ErrNotFound) {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusNotFound)
		return
	}

	if err != nil {
		logg.Error(err)
		writeResponse(rw,
			ResponsePayload{Errors: []string{"unable to process emergency access request"}},
			http.StatusInternalServerError,
		)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: bundle}, http.StatusCreated)
}

// readEmergencyAccess re-reads an open session by its per-scan id. Expired
// sessions & unknown ids are both 404s.
func readEmergencyAccess(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	bundle, err := accessIssuer.ReadSession(vars["sessionId"])
	if errors.Is(err, access.ErrNotFound) {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusNotFound)
		return
	}

	if err != nil {
		logg.Error(err)
		writeResponse(rw,
			ResponsePayload{Errors: []string{"unable to read emergency access session"}},
			http.StatusInternalServerError,
		)
		return
	}

	json.NewEncoder(rw).Encode(ResponsePayload{Success: true, Data: bundle})
}

// cancelPanicAlert lets the patient push an "all clear" to everyone
// watching their broadcast groups.
func cancelPanicAlert(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	patient, err := models.FindPatientBy("id", vars["id"])
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusNotFound)
		return
	}

	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	accessIssuer.CancelAlert(patient.ID, patient.FullName())

	json.NewEncoder(rw).Encode(ResponsePayload{Success: true})
}

// accessHistory pages through the patient's immutable audit trail.
func accessHistory(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))

	entries, paging, err := models.FetchAuditEntriesForPatient(vars["id"], page)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(rw).Encode(ResponsePayload{
		Success: true,
		Data:    map[string]interface{}{"entries": entries, "paging": paging},
	})
}

// wsSubscribe attaches the caller to one of the patient's live broadcast
// groups - 'self' by default, 'contacts' via ?channel=contacts.
func wsSubscribe(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	patientID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{"invalid patient id"}}, http.StatusBadRequest)
		return
	}

	group := broadcast.PatientGroup(uint(patientID))
	if r.URL.Query().Get("channel") == "contacts" {
		group = broadcast.ContactsGroup(uint(patientID))
	}

	if err := wsHub.ServeWS(rw, r, []string{group}); err != nil {
		// Upgrade failures have already written their own response.
		logg.Errorf("websocket upgrade failed: %v", err)
	}
}

// ---------------------------------------------------------------------------------//
// Patient handlers
// --------------------------------------------------------------------------------//

func createPatient(rw http.ResponseWriter, r *http.Request) {
	data := models.Patient{}

	err := json.NewDecoder(r.Body).Decode(&data)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	errs := validate.Struct(data)
	if errs != nil {
		writeResponse(rw, ResponsePayload{Errors: strings.Split(errs.Error(), "\n")}, http.StatusBadRequest)
		return
	}

	err = models.CreatePatient(&data)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	// The stable token is never part of the patient JSON - surface it once
	// here so it can be printed on the physical tag.
	json.NewEncoder(rw).Encode(ResponsePayload{
		Success: true,
		Data:    map[string]interface{}{"id": data.ID, "emergency_token": data.EmergencyToken},
	})
}

func findPatient(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	patient, err := models.FindPatientBy("id", vars["id"])
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusNotFound)
		return
	}

	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(rw).Encode(ResponsePayload{Success: true, Data: patient})
}

func updatePatient(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	data := make(map[string]interface{})

	err := json.NewDecoder(r.Body).Decode(&data)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	removeUnknownFields(data, map[string]bool{
		"first_name":   true,
		"last_name":    true,
		"phone_number": true,
		"blood_type":   true,
		"organ_donor":  true,
		"password":     true,
	})
	if len(data) <= 0 {
		writeResponse(rw, ResponsePayload{Errors: []string{"valid fields required"}}, http.StatusBadRequest)
		return
	}

	if data["password"] != nil && strings.TrimSpace(fmt.Sprintf("%v", data["password"])) == "" {
		writeResponse(rw, ResponsePayload{Errors: []string{"password cannot be empty"}}, http.StatusBadRequest)
		return
	}

	patient, err := models.FindPatientBy("id", vars["id"])
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusNotFound)
		return
	}

	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	err = patient.Update(data)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(rw).Encode(ResponsePayload{Success: true})
}

func deletePatient(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	err := models.DeletePatient(vars["id"])
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(rw).Encode(ResponsePayload{Success: true})
}

// regenerateEmergencyToken rotates the stable token, e.g. after a lost tag.
// Bundles issued before the rotation stay readable until they expire.
func regenerateEmergencyToken(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	patient, err := models.FindPatientBy("id", vars["id"])
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusNotFound)
		return
	}

	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	token, err := patient.RegenerateEmergencyToken()
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(rw).Encode(ResponsePayload{
		Success: true,
		Data:    map[string]interface{}{"emergency_token": token},
	})
}

func logIn(rw http.ResponseWriter, r *http.Request) {
	data := make(map[string]string)
	json.NewDecoder(r.Body).Decode(&data)

	passwordHash, err := models.FindPatientPassword(data["email"])
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	if !auth.CheckPasswordHash(data["password"], passwordHash) {
		writeResponse(rw, ResponsePayload{Errors: []string{"email/password is invalid"}}, http.StatusUnauthorized)
		return
	}

	patient, err := models.FindPatientBy("email", data["email"])
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	isAdmin, err := patient.IsAdmin()
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	token, err := auth.EncodeJWT(auth.VitalTagTokenClaims{
		FirstName: patient.FirstName,
		LastName:  patient.LastName,
		IsAdmin:   isAdmin,
		StandardClaims: jwt.StandardClaims{
			Subject:   fmt.Sprint(patient.ID),
			IssuedAt:  time.Now().Unix(),
			ExpiresAt: time.Now().Add(24 * time.Hour).Unix(),
			Issuer:    "vitaltag",
		},
	}, authKeyPair)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(rw).Encode(ResponsePayload{
		Success: true,
		Data:    map[string]interface{}{"token": token},
	})
}

// ---------------------------------------------------------------------------------//
// Contact handlers
// --------------------------------------------------------------------------------//

func createContact(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	data := models.Contact{}

	err := json.NewDecoder(r.Body).Decode(&data)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	errs := validate.Struct(data)
	if errs != nil {
		writeResponse(rw, ResponsePayload{Errors: strings.Split(errs.Error(), "\n")}, http.StatusBadRequest)
		return
	}

	patient, err := models.FindPatientBy("id", vars["id"])
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusNotFound)
		return
	}

	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	err = patient.AddContact(&data)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(rw).Encode(ResponsePayload{Success: true, Data: data})
}

func listContacts(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	patient, err := models.FindPatientBy("id", vars["id"])
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusNotFound)
		return
	}

	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	err = patient.LoadContacts()
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(rw).Encode(ResponsePayload{Success: true, Data: patient.Contacts})
}

func updateContact(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	data := make(map[string]interface{})

	err := json.NewDecoder(r.Body).Decode(&data)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	removeUnknownFields(data, map[string]bool{
		"first_name":          true,
		"last_name":           true,
		"phone_number":        true,
		"email":               true,
		"relation":            true,
		"priority":            true,
		"notify_on_emergency": true,
		"notify_on_access":    true,
	})
	if len(data) <= 0 {
		writeResponse(rw, ResponsePayload{Errors: []string{"valid fields required"}}, http.StatusBadRequest)
		return
	}

	patient, err := models.FindPatientBy("id", vars["id"])
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusNotFound)
		return
	}

	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	err = patient.UpdateContact(vars["contactId"], data)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(rw).Encode(ResponsePayload{Success: true})
}

func deleteContact(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	patient, err := models.FindPatientBy("id", vars["id"])
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusNotFound)
		return
	}

	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	err = patient.DeleteContact(vars["contactId"])
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(rw).Encode(ResponsePayload{Success: true})
}

// ---------------------------------------------------------------------------------//
// Hospital handlers
// --------------------------------------------------------------------------------//

func createHospital(rw http.ResponseWriter, r *http.Request) {
	data := models.Hospital{}

	err := json.NewDecoder(r.Body).Decode(&data)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	errs := validate.Struct(data)
	if errs != nil {
		writeResponse(rw, ResponsePayload{Errors: strings.Split(errs.Error(), "\n")}, http.StatusBadRequest)
		return
	}

	err = models.CreateHospital(&data)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(rw).Encode(ResponsePayload{Success: true, Data: data})
}

func listHospitals(rw http.ResponseWriter, r *http.Request) {
	hospitalRecords, err := models.AllHospitals()
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(rw).Encode(ResponsePayload{Success: true, Data: hospitalRecords})
}

// ---------------------------------------------------------------------------------//
// Misc handlers
// --------------------------------------------------------------------------------//

func healthCheck(rw http.ResponseWriter, r *http.Request) {
	json.NewEncoder(rw).Encode(ResponsePayload{
		Success: true,
		Data:    map[string]interface{}{"version": version.Version},
	})
}

func jwksEndpoint(rw http.ResponseWriter, r *http.Request) {
	keyPairJWK, err := authKeyPair.JWK()
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(rw).Encode(key.ExportJWKAsJWKS(keyPairJWK))
}
