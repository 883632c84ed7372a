package config

import (
	"time"
)

type AppConfig struct {
	APIPort     string `env:"PORT,required" envDefault:"11311"`
	APIKey      string `env:"API_KEY,required"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
	// Identifies this process as a lease owner
	InstanceID string `env:"INSTANCE_ID"`
}

// SyncConfig holds the tunables of the mirroring engine. Defaults match the
// behavior the engine is tested against; override per deployment.
type SyncConfig struct {
	// WorkerPoolSize bounds the number of mailboxes synced concurrently.
	WorkerPoolSize int `env:"SYNC_WORKER_POOL_SIZE" envDefault:"4"`

	// Phase timeouts of the session state machine.
	ConnectTimeout    time.Duration `env:"SYNC_CONNECT_TIMEOUT" envDefault:"30s"`
	AuthTimeout       time.Duration `env:"SYNC_AUTH_TIMEOUT" envDefault:"30s"`
	CapabilityTimeout time.Duration `env:"SYNC_CAPABILITY_TIMEOUT" envDefault:"15s"`

	// MaxMessageSize skips oversized messages instead of downloading them.
	MaxMessageSize int64 `env:"SYNC_MAX_MESSAGE_SIZE" envDefault:"26214400"`

	// MessagesPerPass caps downloads across all folders of a mailbox in one
	// batch pass.
	MessagesPerPass int `env:"SYNC_MESSAGES_PER_PASS" envDefault:"500"`

	// MetaPrefetchMultiple bounds metadata prefetch to a multiple of the
	// remaining pass budget.
	MetaPrefetchMultiple int `env:"SYNC_META_PREFETCH_MULTIPLE" envDefault:"3"`

	// SyncRunTimeout bounds one mailbox sync run regardless of caller context.
	SyncRunTimeout time.Duration `env:"SYNC_RUN_TIMEOUT" envDefault:"30m"`

	// MinRecheckInterval keeps a just-synced mailbox out of the backlog.
	MinRecheckInterval time.Duration `env:"SYNC_MIN_RECHECK_INTERVAL" envDefault:"5m"`

	// Realtime reconciler knobs.
	RealtimePollInterval time.Duration `env:"REALTIME_POLL_INTERVAL" envDefault:"60s"`
	IdleRetireAfter      time.Duration `env:"REALTIME_IDLE_RETIRE_AFTER" envDefault:"30m"`

	LeaseTTL time.Duration `env:"SYNC_LEASE_TTL" envDefault:"10m"`

	// BatchSyncCron schedules periodic batch passes over all active mailboxes.
	BatchSyncCron string `env:"SYNC_BATCH_CRON" envDefault:"0 */2 * * *"`
	// CleanupCron schedules orphaned sync state removal.
	CleanupCron string `env:"SYNC_CLEANUP_CRON" envDefault:"15 4 * * *"`
}

type EventsConfig struct {
	ActionQueue   string `env:"EVENTS_ACTION_QUEUE" envDefault:"mailbox-actions"`
	ActivityQueue string `env:"EVENTS_ACTIVITY_QUEUE" envDefault:"mailbox-activity"`
	ExchangeName  string `env:"EVENTS_EXCHANGE" envDefault:"mailmirror"`
}
