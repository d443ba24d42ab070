package configstore

import "context"

// ConfigStore loads and saves one configuration document.
type ConfigStore interface {
	Load(out any) error
	Save(data any) error
}

// Watcher reports changes of the stored document until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}
