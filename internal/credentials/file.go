package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

type fileFormat struct {
	Sealed         bool              `json:"sealed"`
	Keys           map[string]string `json:"keys"`
	LiteLLMBaseURL string            `json:"litellmBaseUrl,omitempty"`
	SelectedModel  string            `json:"selectedModel,omitempty"`
}

// FileBackend stores the snapshot as a JSON document. Key values are sealed
// when a Sealer is configured.
type FileBackend struct {
	path         string
	sealer       Sealer
	pollInterval time.Duration
}

func NewFileBackend(path string, sealer Sealer) *FileBackend {
	return &FileBackend{
		path:         path,
		sealer:       sealer,
		pollInterval: 2 * time.Second,
	}
}

func (b *FileBackend) Load(ctx context.Context) (Snapshot, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{Keys: domain.NewCredentialSet()}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read %s: %w", b.path, err)
	}

	var doc fileFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("decode %s: %w", b.path, err)
	}

	sealer := b.sealer
	if !doc.Sealed {
		sealer = nil
	} else if sealer == nil {
		return Snapshot{}, fmt.Errorf("%s is sealed but no encryption key is configured", b.path)
	}

	keys, err := openKeys(sealer, doc.Keys)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Keys:           keys,
		LiteLLMBaseURL: doc.LiteLLMBaseURL,
		SelectedModel:  doc.SelectedModel,
	}, nil
}

// Save writes to a temporary file and renames it over the target so readers
// never observe a partial document.
func (b *FileBackend) Save(ctx context.Context, snap Snapshot) error {
	keys, err := sealKeys(b.sealer, snap.Keys)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(fileFormat{
		Sealed:         b.sealer != nil,
		Keys:           keys,
		LiteLLMBaseURL: snap.LiteLLMBaseURL,
		SelectedModel:  snap.SelectedModel,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return os.Rename(tmp.Name(), b.path)
}

// Watch polls the file's modification time and reports changes.
func (b *FileBackend) Watch(ctx context.Context, onChange func()) error {
	last := b.modTime()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current := b.modTime()
			if current.Equal(last) {
				continue
			}
			last = current
			slog.Debug("credentials file changed", "path", b.path)
			onChange()
		}
	}
}

func (b *FileBackend) modTime() time.Time {
	info, err := os.Stat(b.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
