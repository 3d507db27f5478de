package models

import (
	"fmt"

	sqlite "github.com/Daskott/gorm-sqlite-cipher"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var db *gorm.DB

// Initialize opens(or creates) the encrypted sqlite db at 'dbPath' &
// runs migrations + seed data required by the app.
func Initialize(dbPath, passPhrase string) error {
	var err error

	dsn := fmt.Sprintf("file:%v?_pragma_key=%s&_pragma_cipher_page_size=4096", dbPath, passPhrase)
	db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("unable to connect to database: %v", err)
	}

	if err = AutoMigrate(); err != nil {
		return err
	}

	return seedDefaultRecords()
}

// InitializeTestDb sets up an in-memory db for tests.
func InitializeTestDb() {
	var err error

	db, err = gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		panic(fmt.Sprintf("unable to create test database: %v", err))
	}

	// Start from a clean slate on every call, since the shared in-memory db
	// lives for the duration of the test binary.
	db.Migrator().DropTable(
		&Patient{}, &Allergy{}, &MedicalCondition{}, &Medication{},
		&Contact{}, &Directive{}, &Document{}, &AccessSession{},
		&AuditEntry{}, &Hospital{}, &Job{}, &JobStatus{}, &Role{},
	)

	if err = AutoMigrate(); err != nil {
		panic(err)
	}

	if err = seedDefaultRecords(); err != nil {
		panic(err)
	}
}

func AutoMigrate() error {
	return db.AutoMigrate(
		&Role{},
		&JobStatus{},
		&Job{},
		&Patient{},
		&Allergy{},
		&MedicalCondition{},
		&Medication{},
		&Contact{},
		&Directive{},
		&Document{},
		&AccessSession{},
		&AuditEntry{},
		&Hospital{},
	)
}

func seedDefaultRecords() error {
	for _, name := range []string{ADMIN_USER_ROLE, BASIC_USER_ROLE} {
		if err := db.FirstOrCreate(&Role{}, Role{Name: name}).Error; err != nil {
			return err
		}
	}

	for name := range JobStatusNameMap {
		if err := db.FirstOrCreate(&JobStatus{}, JobStatus{Name: name}).Error; err != nil {
			return err
		}
	}

	return nil
}
