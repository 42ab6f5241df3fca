package credentials

import (
	"context"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// ModelLister is the part of the registry AutoSelectModel needs.
type ModelLister interface {
	Resolve(logicalName string) (domain.ModelDescriptor, error)
	StaticModels() []domain.ModelDescriptor
}

// AutoSelectModel keeps the selected model usable: when the selected model's
// provider has no key, it switches to the first built-in model whose provider
// has one. It reports the model in effect and whether it changed.
func AutoSelectModel(ctx context.Context, models ModelLister, store *Store, fallback string) (string, bool, error) {
	selected := store.SelectedModel()
	if selected == "" {
		selected = fallback
	}

	if d, err := models.Resolve(selected); err == nil {
		if _, ok := store.GetKey(d.Provider); ok {
			return selected, false, nil
		}
	}

	for _, d := range models.StaticModels() {
		if _, ok := store.GetKey(d.Provider); !ok {
			continue
		}
		if d.LogicalName == selected {
			return selected, false, nil
		}
		if err := store.SetSelectedModel(ctx, d.LogicalName); err != nil {
			return selected, false, err
		}
		return d.LogicalName, true, nil
	}

	return selected, false, nil
}
