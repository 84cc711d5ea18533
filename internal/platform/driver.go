// Package platform provides the lifecycle and storage driver interfaces
// shared by the autocapture engine's store backends.
package platform

import (
	"context"
	"time"
)

// Driver is the base interface for all platform drivers.
// Every driver must be nameable, startable, stoppable, and health-checkable.
type Driver interface {
	// Name returns the driver name for identification.
	Name() string

	// Start initializes the driver and establishes connections.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the driver.
	Stop(ctx context.Context) error

	// Ping checks if the driver's connection is healthy.
	Ping(ctx context.Context) error
}

// =====================================================
// Storage Drivers
// =====================================================

// StorageDriver provides persistent storage capabilities. The metadata
// store (internal/store) implements this over modernc.org/sqlite.
type StorageDriver interface {
	Driver

	// Type returns the storage type (sqlite, etc.).
	Type() string

	// DB returns the underlying database connection for advanced queries.
	// Use with caution; prefer the typed methods.
	DB() any

	// Transaction executes operations within a database transaction.
	Transaction(ctx context.Context, fn func(tx StorageTx) error) error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error

	// Stats returns storage statistics.
	Stats() StorageStats
}

// StorageTx represents a storage transaction.
type StorageTx interface {
	// Exec executes a write query.
	Exec(ctx context.Context, query string, args ...any) (int64, error)

	// Query executes a read query.
	Query(ctx context.Context, query string, args ...any) (Rows, error)

	// QueryRow executes a query expecting a single row.
	QueryRow(ctx context.Context, query string, args ...any) Row

	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction.
	Rollback() error
}

// Rows represents query result rows.
type Rows interface {
	// Next advances to the next row.
	Next() bool

	// Scan reads columns into dest.
	Scan(dest ...any) error

	// Close releases the rows.
	Close() error

	// Err returns any error from iteration.
	Err() error
}

// Row represents a single result row.
type Row interface {
	// Scan reads columns into dest.
	Scan(dest ...any) error
}

// StorageStats holds storage metrics.
type StorageStats struct {
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
	MaxOpen         int           `json:"max_open"`
	WaitCount       int64         `json:"wait_count"`
	WaitDuration    time.Duration `json:"wait_duration"`
}

// =====================================================
// Cache Drivers
// =====================================================

// CacheDriver provides caching capabilities. The index manifest reader
// (internal/indexing) implements this over hashicorp/golang-lru.
type CacheDriver interface {
	Driver

	// Get retrieves a value by key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with optional TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Keys returns keys matching a pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Flush removes all keys.
	Flush(ctx context.Context) error
}

// =====================================================
// Driver Registry
// =====================================================

// Registry manages platform drivers backing a running engine instance.
type Registry struct {
	storage StorageDriver
	cache   CacheDriver
	content ContentDriver
	custom  map[string]Driver
}

// NewRegistry creates a new driver registry.
func NewRegistry() *Registry {
	return &Registry{
		custom: make(map[string]Driver),
	}
}

// SetStorage sets the storage driver.
func (r *Registry) SetStorage(d StorageDriver) { r.storage = d }

// Storage returns the storage driver.
func (r *Registry) Storage() StorageDriver { return r.storage }

// SetCache sets the cache driver.
func (r *Registry) SetCache(d CacheDriver) { r.cache = d }

// Cache returns the cache driver.
func (r *Registry) Cache() CacheDriver { return r.cache }

// SetContent sets the content-addressed storage driver.
func (r *Registry) SetContent(d ContentDriver) { r.content = d }

// Content returns the content-addressed storage driver.
func (r *Registry) Content() ContentDriver { return r.content }

// Register adds a custom driver.
func (r *Registry) Register(name string, d Driver) {
	r.custom[name] = d
}

// Get retrieves a custom driver by name.
func (r *Registry) Get(name string) (Driver, bool) {
	d, ok := r.custom[name]
	return d, ok
}

// StartAll starts all registered drivers.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, d := range r.allDrivers() {
		if d == nil {
			continue
		}
		if err := d.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops all registered drivers in reverse order, collecting the
// last error encountered so one failing driver does not block the rest
// from stopping.
func (r *Registry) StopAll(ctx context.Context) error {
	drivers := r.allDrivers()
	var lastErr error
	for i := len(drivers) - 1; i >= 0; i-- {
		if drivers[i] == nil {
			continue
		}
		if err := drivers[i].Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// PingAll checks health of all drivers.
func (r *Registry) PingAll(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, d := range r.allDrivers() {
		if d == nil {
			continue
		}
		results[d.Name()] = d.Ping(ctx)
	}
	return results
}

func (r *Registry) allDrivers() []Driver {
	result := []Driver{r.storage, r.cache, r.content}
	for _, d := range r.custom {
		result = append(result, d)
	}
	return result
}

// =====================================================
// Content-Addressed Storage
// =====================================================

// ContentDriver provides content-addressed storage capabilities: content
// is stored and retrieved by its own SHA256 hash, which also serves as
// its unique identifier. The blob and media stores (internal/store)
// implement this over the local filesystem.
type ContentDriver interface {
	Driver

	// Store saves content and returns its content hash (SHA256).
	Store(ctx context.Context, content []byte) (hash string, err error)

	// Retrieve fetches content by its hash.
	// Returns ErrContentNotFound if the hash doesn't exist.
	Retrieve(ctx context.Context, hash string) ([]byte, error)

	// Exists checks if content with the given hash exists.
	Exists(ctx context.Context, hash string) (bool, error)

	// Delete removes content by hash.
	// Returns nil if content doesn't exist (idempotent).
	Delete(ctx context.Context, hash string) error

	// StoreWithMetadata stores content with associated metadata.
	StoreWithMetadata(ctx context.Context, content []byte, meta ContentMetadata) (hash string, err error)

	// GetMetadata retrieves metadata for a content hash.
	GetMetadata(ctx context.Context, hash string) (*ContentMetadata, error)
}

// ContentMetadata holds metadata about stored content.
type ContentMetadata struct {
	Hash        string            `json:"hash"`
	Size        int64             `json:"size"`
	ContentType string            `json:"content_type,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	RefCount    int               `json:"ref_count"`
}

// ContentRef is a reference to content-addressed storage, used in records
// in place of storing full content inline.
type ContentRef struct {
	Hash        string `json:"hash"`
	Size        int64  `json:"size,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// IsEmpty returns true if the reference is unset.
func (r ContentRef) IsEmpty() bool {
	return r.Hash == ""
}

// ErrContentNotFound is returned when content hash doesn't exist.
type ErrContentNotFound struct {
	Hash string
}

func (e ErrContentNotFound) Error() string {
	return "content not found: " + e.Hash
}
