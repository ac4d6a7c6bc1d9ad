package constants

const (
	ConfigPathEnvVar  = "PBX_BACKUP_CONFIG"
	DefaultConfigPath = "/etc/pbx-backup/config.yaml"

	DbBasePath     = "/var/lib/pbx-backup"
	DefaultDbPath  = DbBasePath + "/pbx-backup.db"
	LockSocketPath = "/run/pbx-backup/locker.sock"
	JobLockPath    = "/run/pbx-backup/jobs"

	DefaultSbinPath = "/usr/sbin"
	DefaultLogDir   = "/var/log/asterisk"
	DefaultSpoolDir = "/var/spool/asterisk"
	DefaultHomeDir  = "/home/asterisk"
	DefaultHookDir  = "Backup"
	JobBinaryName   = "pbx-backup"
	JobSubcommand   = "backup"

	// CronSignature is matched as a substring against every cron line; all
	// generated job commands must contain it.
	CronSignature = JobBinaryName + " " + JobSubcommand

	DbWriteLockKey = "sqlite-db-write"
)

var DefaultLocalFilePatterns = []string{
	"*.tar.gz",
	"*.tgz",
	"*.tar",
}
