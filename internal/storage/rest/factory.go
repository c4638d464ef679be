package rest

import "polling-scheduler/internal/storage"

type Factory struct{}

func (f *Factory) Create(config storage.Config) (storage.Backend, error) {
	return New(config)
}

func (f *Factory) GetType() string {
	return "rest"
}

func init() {
	storage.Register("rest", &Factory{})
}
