package server

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/vitaltag/vitaltag/server/gstorage"
	"github.com/vitaltag/vitaltag/server/work"
	"github.com/vitaltag/vitaltag/utils"
)

const backupSqliteDbJobName = "backupSqliteDb"

// backupSqliteDb pushes the encrypted sqlite file to cloud storage. Runs on
// the configured schedule & once more on shutdown.
func backupSqliteDb(map[string]interface{}) error {
	if storage == nil {
		return nil
	}

	return storage.UploadFile(
		serverConfig.Google.Storage.Bucket,
		sqliteBackupObjectName(),
		sqliteDbPath,
	)
}

// maybeRestoreSqliteDb pulls the last backup before the db is opened, so a
// fresh host resumes from the previous state. A missing local file with no
// backup in the bucket is a normal first boot.
func maybeRestoreSqliteDb() {
	if storage == nil || utils.FileExist(sqliteDbPath) {
		return
	}

	err := storage.DownloadFile(serverConfig.Google.Storage.Bucket, sqliteBackupObjectName(), sqliteDbPath)
	if errors.Is(err, gstorage.ErrObjectNotExist) {
		logg.Infof("no sqlite backup found in bucket %v, starting fresh", serverConfig.Google.Storage.Bucket)
		os.Remove(sqliteDbPath)
		return
	}
	fatalOnError(err)

	logg.Infof("restored sqlite db from bucket %v", serverConfig.Google.Storage.Bucket)
}

func sqliteBackupObjectName() string {
	return path.Join(serverConfig.Google.Storage.Prefix, filepath.Base(sqliteDbPath))
}

func sqliteBackupAndSyncEnabled() bool {
	return fmt.Sprintf("%v", serverConfig.Google.Storage.EnableSqliteBackupAndSync) == "true"
}

func registerJobHandlers(wpa *work.WorkerPoolAdapter) {
	err := wpa.Register(backupSqliteDbJobName, backupSqliteDb)
	fatalOnError(err)
}

func enqueueJobs(wpa *work.WorkerPoolAdapter) {
	if !sqliteBackupAndSyncEnabled() {
		return
	}

	err := wpa.PeriodicallyPerform(serverConfig.Google.Storage.SqliteBackupSchedule, work.JobParams{
		Name:    backupSqliteDbJobName,
		Handler: backupSqliteDbJobName,
		Unique:  false,
		Args:    map[string]interface{}{},
	})
	fatalOnError(err)
}
