package quota

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// tiersFile is the on-disk layout of the tier configuration file. Windows
// are plain integers in seconds, matching the wire representation used
// everywhere else in the quota model.
type tiersFile struct {
	Tiers    map[string]fileTier       `yaml:"tiers"`
	Webhooks map[string][]Subscription `yaml:"webhooks"`
}

type fileTier struct {
	Limit         int64  `yaml:"limit" validate:"required,gt=0"`
	WindowSeconds int64  `yaml:"window" validate:"required,gt=0"`
	Name          string `yaml:"name"`
}

var validate = validator.New()

// FileSource serves tiers from a YAML file loaded into memory. The file also
// carries per-class webhook subscriptions, surfaced via Subscriptions.
type FileSource struct {
	path string

	mu       sync.RWMutex
	tiers    map[string]Tier
	webhooks map[string][]Subscription
}

// NewFileSource loads and validates the tier file at path.
func NewFileSource(path string) (*FileSource, error) {
	fs := &FileSource{path: path}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Reload re-reads the tier file, replacing the in-memory tables wholesale on
// success and leaving them untouched on failure.
func (fs *FileSource) Reload() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return fmt.Errorf("read tiers file: %w", err)
	}

	var f tiersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse tiers file %s: %w", fs.path, err)
	}

	tiers := make(map[string]Tier, len(f.Tiers))
	for classID, ft := range f.Tiers {
		if err := validate.Struct(ft); err != nil {
			return fmt.Errorf("invalid tier for class %q: %w", classID, err)
		}
		tiers[classID] = Tier{
			Limit:  ft.Limit,
			Window: time.Duration(ft.WindowSeconds) * time.Second,
			Name:   ft.Name,
		}
	}
	for classID, subs := range f.Webhooks {
		for i, sub := range subs {
			if err := validate.Struct(sub); err != nil {
				return fmt.Errorf("invalid webhook %d for class %q: %w", i, classID, err)
			}
		}
	}

	fs.mu.Lock()
	fs.tiers = tiers
	fs.webhooks = f.Webhooks
	fs.mu.Unlock()
	return nil
}

// Fetch implements TierSource.
func (fs *FileSource) Fetch(_ context.Context, classID string) (Tier, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	t, ok := fs.tiers[classID]
	if !ok {
		return Tier{}, ErrTierNotFound
	}
	return t, nil
}

// Subscriptions returns the webhook subscriptions declared in the file,
// keyed by class id.
func (fs *FileSource) Subscriptions() map[string][]Subscription {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make(map[string][]Subscription, len(fs.webhooks))
	for classID, subs := range fs.webhooks {
		out[classID] = append([]Subscription(nil), subs...)
	}
	return out
}
