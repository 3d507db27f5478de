// Package server wires the whole VitalTag platform together: the encrypted
// sqlite store, the emergency access issuer & its background side effects,
// the websocket hub, the job queue & the public/protected/admin HTTP routes.
package server

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-playground/validator"
	"github.com/gorilla/mux"
	"github.com/spf13/viper"
	"github.com/vitaltag/vitaltag/server/access"
	"github.com/vitaltag/vitaltag/server/audit"
	"github.com/vitaltag/vitaltag/server/auth/key"
	"github.com/vitaltag/vitaltag/server/broadcast"
	"github.com/vitaltag/vitaltag/server/gstorage"
	"github.com/vitaltag/vitaltag/server/hospitals"
	"github.com/vitaltag/vitaltag/server/logger"
	"github.com/vitaltag/vitaltag/server/mailer"
	"github.com/vitaltag/vitaltag/server/models"
	"github.com/vitaltag/vitaltag/server/notifier"
	"github.com/vitaltag/vitaltag/server/trust"
	"github.com/vitaltag/vitaltag/server/twilio"
	"github.com/vitaltag/vitaltag/server/verification"
	"github.com/vitaltag/vitaltag/server/work"
	"github.com/vitaltag/vitaltag/shared"
)

var (
	logg     = logger.NewLogger()
	validate = validator.New()

	serverConfig *shared.ServerConfig
	sqliteDbPath string
	authKeyPair  *key.KeyPair
	storage      *gstorage.GStorage
	accessIssuer *access.Issuer
	wsHub        *broadcast.Hub
)

func init() {
	if err := RegisterValidators(validate); err != nil {
		panic(err)
	}
}

// bucketSigner binds the configured document bucket to the issuer's
// signing hook.
type bucketSigner struct {
	storage *gstorage.GStorage
	bucket  string
}

func (s *bucketSigner) SignedDownloadURL(object string, ttl time.Duration) (string, error) {
	return s.storage.SignedDownloadURL(s.bucket, object, ttl)
}

// Start boots the VitalTag server & blocks until SIGINT/SIGTERM.
func Start(config *viper.Viper, devMode bool) {
	appConfig := &shared.ServerConfig{}
	fatalOnError(config.Unmarshal(appConfig))
	fatalOnError(validate.Struct(appConfig))
	serverConfig = appConfig

	sqliteDbPath = filepath.Join(configDirectory(devMode), "vitaltag.db")

	// Cloud storage backs both the document signed urls & the sqlite
	// backup job; without credentials the server runs local-only.
	if appConfig.Google.ApplicationCredentials != "" {
		var err error
		storage, err = gstorage.NewGStorage(appConfig.Google.ApplicationCredentials)
		fatalOnError(err)
	}
	if sqliteBackupAndSyncEnabled() {
		maybeRestoreSqliteDb()
	}

	fatalOnError(models.Initialize(sqliteDbPath, appConfig.Sqlite.PassPhrase))

	var err error
	authKeyPair, err = key.NewKeyPairFromRSAPrivateKeyPem(appConfig.VitalTag.PrivateKeyPem)
	fatalOnError(err)

	// Domain services. Twilio & smtp run in test mode during dev, so no
	// real messages leave the machine.
	verificationStore := verification.NewStore(appConfig.Redis)
	evaluator := trust.NewEvaluator(trust.NewRegistryClient(appConfig.Registry), verificationStore, logg)
	ranker := hospitals.NewRanker(logg)
	dispatcher := notifier.NewDispatcher(
		twilio.NewClient(appConfig.Twilio, devMode),
		mailer.NewMailer(appConfig.Smtp, devMode),
		logg,
	)
	wsHub = broadcast.NewHub(logg)
	recorder := audit.NewRecorder(logg)

	var signer access.DocumentSigner
	if storage != nil && appConfig.Google.Storage.Bucket != "" {
		signer = &bucketSigner{storage: storage, bucket: appConfig.Google.Storage.Bucket}
	}

	accessIssuer = access.NewIssuer(evaluator, ranker, dispatcher, wsHub, recorder, signer, logg)

	workerPool := work.NewWorkerAdapter(appConfig.VitalTag.Cron.TimeZone, false)
	registerJobHandlers(workerPool)
	fatalOnError(workerPool.Start())
	enqueueJobs(workerPool)

	router := mux.NewRouter()
	registerRoutes(router)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%v", appConfig.VitalTag.Listener.Port),
		Handler: router,
	}
	go serve(httpServer)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	cleanup(workerPool, httpServer, accessIssuer, sqliteBackupAndSyncEnabled())
}

func registerRoutes(router *mux.Router) {
	router.Use(loggingMiddleware)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(initialContextMiddleware)

	// Public entry points - an emergency accessor has no account
	v1.HandleFunc("/emergency-access", emergencyAccess).Methods("POST")
	v1.HandleFunc("/emergency-access/{sessionId}", readEmergencyAccess).Methods("GET")
	v1.HandleFunc("/login", logIn).Methods("POST")
	v1.HandleFunc("/health", healthCheck).Methods("GET")
	v1.HandleFunc("/jwks", jwksEndpoint).Methods("GET")

	// Admin routes are matched before the protected patient subrouter, so
	// POST/DELETE on the collection path don't fall into it
	admin := v1.NewRoute().Subrouter()
	admin.Use(adminRouteMiddleware)
	admin.HandleFunc("/patients", createPatient).Methods("POST")
	admin.HandleFunc("/patients/{id}", deletePatient).Methods("DELETE")
	admin.HandleFunc("/hospitals", createHospital).Methods("POST")
	admin.HandleFunc("/hospitals", listHospitals).Methods("GET")

	protected := v1.PathPrefix("/patients").Subrouter()
	protected.Use(protectedRouteMiddleware)
	protected.HandleFunc("/{id}", findPatient).Methods("GET")
	protected.HandleFunc("/{id}", updatePatient).Methods("PUT")
	protected.HandleFunc("/{id}/emergency-token", regenerateEmergencyToken).Methods("POST")
	protected.HandleFunc("/{id}/cancel-alert", cancelPanicAlert).Methods("POST")
	protected.HandleFunc("/{id}/access-history", accessHistory).Methods("GET")
	protected.HandleFunc("/{id}/contacts", createContact).Methods("POST")
	protected.HandleFunc("/{id}/contacts", listContacts).Methods("GET")
	protected.HandleFunc("/{id}/contacts/{contactId}", updateContact).Methods("PUT")
	protected.HandleFunc("/{id}/contacts/{contactId}", deleteContact).Methods("DELETE")
	protected.HandleFunc("/{id}/ws", wsSubscribe).Methods("GET")
}
