package config

import "errors"

var (
	// ErrNoChannels is returned when no channels are configured
	ErrNoChannels = errors.New("no channels configured")
	// ErrInvalidSource is returned for an unknown message source
	ErrInvalidSource = errors.New("source must be mtproto or preview")
	// ErrInvalidConcurrency is returned when concurrency is not greater than 0
	ErrInvalidConcurrency = errors.New("concurrency must be greater than 0")
	// ErrInvalidPageSize is returned when page_size is outside 1..100
	ErrInvalidPageSize = errors.New("page_size must be between 1 and 100")
	// ErrInvalidLimit is returned when a message limit is negative
	ErrInvalidLimit = errors.New("max_messages_per_channel and backfill cannot be negative")
	// ErrInvalidRetries is returned when max_page_retries is not greater than 0
	ErrInvalidRetries = errors.New("max_page_retries must be greater than 0")
	// ErrInvalidFailureRate is returned when failure_rate_threshold is outside (0, 1]
	ErrInvalidFailureRate = errors.New("failure_rate_threshold must be in (0, 1]")
	// ErrInvalidBackoff is returned for inconsistent backoff parameters
	ErrInvalidBackoff = errors.New("invalid backoff parameters")
	// ErrInvalidTimeout is returned when the preview timeout is not greater than 0
	ErrInvalidTimeout = errors.New("preview.timeout must be greater than 0")
	// ErrEmptyDataDir is returned when data_dir is empty
	ErrEmptyDataDir = errors.New("data_dir cannot be empty")
	// ErrEmptyStateDir is returned when state_dir is empty
	ErrEmptyStateDir = errors.New("state_dir cannot be empty")
	// ErrEmptyDatabasePath is returned when the SQLite path is empty
	ErrEmptyDatabasePath = errors.New("raw_store.path cannot be empty")
	// ErrEmptyDSN is returned when the PostgreSQL DSN is empty
	ErrEmptyDSN = errors.New("raw_store.dsn cannot be empty")
	// ErrInvalidDriver is returned for an unknown raw store driver
	ErrInvalidDriver = errors.New("raw_store.driver must be sqlite or postgres")
	// ErrEmptyMediaDir is returned when media is enabled without a directory
	ErrEmptyMediaDir = errors.New("media.dir cannot be empty")
	// ErrInvalidExtraction is returned when extraction rules do not compile
	ErrInvalidExtraction = errors.New("invalid extraction rules")
	// ErrMissingCredentials is returned when MTProto credentials are missing
	ErrMissingCredentials = errors.New("telegram.api_id and telegram.api_hash are required")
	// ErrEmptySessionPath is returned when the session path is empty
	ErrEmptySessionPath = errors.New("telegram.session_path cannot be empty")
)
