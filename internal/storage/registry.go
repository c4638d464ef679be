package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"polling-scheduler/internal/common/errors"
	commonhttp "polling-scheduler/internal/common/http"
	"polling-scheduler/internal/common/logging"
)

// Config carries everything any backend needs. Each backend reads the fields
// relevant to it and validates them in Create.
type Config struct {
	// URL and ServiceKey address a PostgREST endpoint.
	URL        string
	ServiceKey string

	// DatabaseURL is a postgres URL or sqlite path.
	DatabaseURL string

	HTTPClient *commonhttp.Client
	Logger     logging.Logger

	// Now stamps updated_at. Defaults to time.Now.
	Now func() time.Time
}

// Clock returns Now or time.Now.
func (c Config) Clock() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}

// StorageFactory creates a backend from Config.
type StorageFactory interface {
	Create(config Config) (Backend, error)
	GetType() string
}

type Registry struct {
	factories map[string]StorageFactory
	mu        sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]StorageFactory),
	}
}

func (r *Registry) Register(storageType string, factory StorageFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[storageType] = factory
}

func (r *Registry) Create(storageType string, config Config) (Backend, error) {
	r.mu.RLock()
	factory, exists := r.factories[storageType]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.ConfigError(fmt.Sprintf("store backend %q not registered", storageType))
	}

	return factory.Create(config)
}

// GetAvailableTypes returns the registered backend names, sorted.
func (r *Registry) GetAvailableTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for storageType := range r.factories {
		types = append(types, storageType)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) IsRegistered(storageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[storageType]
	return exists
}

var DefaultRegistry = NewRegistry()

func Register(storageType string, factory StorageFactory) {
	DefaultRegistry.Register(storageType, factory)
}

func Create(storageType string, config Config) (Backend, error) {
	return DefaultRegistry.Create(storageType, config)
}

func GetAvailableTypes() []string {
	return DefaultRegistry.GetAvailableTypes()
}
