package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// secretDocument is the JSON layout of the secret: one field per provider
// plus optional settings.
type secretDocument struct {
	Google         string `json:"google"`
	OpenAI         string `json:"openai"`
	OpenRouter     string `json:"openrouter"`
	LiteLLM        string `json:"litellm"`
	LiteLLMBaseURL string `json:"litellm_base_url"`
	SelectedModel  string `json:"selected_model"`
}

// SecretsManagerBackend reads credentials from an AWS Secrets Manager secret.
// It is read-only; rotation happens in AWS and is picked up by Watch.
type SecretsManagerBackend struct {
	client     SecretsManagerAPI
	secretName string
	ttl        time.Duration

	mu        sync.Mutex
	cached    *Snapshot
	versionID string
	expiresAt time.Time
}

func NewSecretsManagerBackend(ctx context.Context, region, secretName string) (*SecretsManagerBackend, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSecretsManagerBackendWithClient(secretsmanager.NewFromConfig(cfg), secretName), nil
}

func NewSecretsManagerBackendWithClient(client SecretsManagerAPI, secretName string) *SecretsManagerBackend {
	return &SecretsManagerBackend{
		client:     client,
		secretName: secretName,
		ttl:        5 * time.Minute,
	}
}

func (b *SecretsManagerBackend) SetCacheTTL(ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ttl = ttl
}

func (b *SecretsManagerBackend) Load(ctx context.Context) (Snapshot, error) {
	b.mu.Lock()
	if b.cached != nil && time.Now().Before(b.expiresAt) {
		snap := b.cached.clone()
		b.mu.Unlock()
		return snap, nil
	}
	b.mu.Unlock()

	snap, version, err := b.fetch(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	b.mu.Lock()
	b.cached = &snap
	b.versionID = version
	b.expiresAt = time.Now().Add(b.ttl)
	b.mu.Unlock()

	return snap.clone(), nil
}

func (b *SecretsManagerBackend) fetch(ctx context.Context) (Snapshot, string, error) {
	result, err := b.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(b.secretName),
	})
	if err != nil {
		return Snapshot{}, "", fmt.Errorf("get secret %s: %w", b.secretName, err)
	}

	var doc secretDocument
	if result.SecretString != nil {
		if err := json.Unmarshal([]byte(*result.SecretString), &doc); err != nil {
			return Snapshot{}, "", fmt.Errorf("decode secret %s: %w", b.secretName, err)
		}
	}

	keys := domain.NewCredentialSet()
	keys[domain.ProviderGoogle] = doc.Google
	keys[domain.ProviderOpenAI] = doc.OpenAI
	keys[domain.ProviderOpenRouter] = doc.OpenRouter
	keys[domain.ProviderLiteLLM] = doc.LiteLLM

	return Snapshot{
		Keys:           keys,
		LiteLLMBaseURL: doc.LiteLLMBaseURL,
		SelectedModel:  doc.SelectedModel,
	}, aws.ToString(result.VersionId), nil
}

func (b *SecretsManagerBackend) Save(ctx context.Context, snap Snapshot) error {
	return domain.ErrReadOnlyBackend
}

// Watch polls the secret once per TTL and reports a change when its version
// id moves.
func (b *SecretsManagerBackend) Watch(ctx context.Context, onChange func()) error {
	b.mu.Lock()
	interval := b.ttl
	b.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap, version, err := b.fetch(ctx)
			if err != nil {
				continue
			}

			b.mu.Lock()
			changed := version != b.versionID
			b.cached = &snap
			b.versionID = version
			b.expiresAt = time.Now().Add(b.ttl)
			b.mu.Unlock()

			if changed {
				onChange()
			}
		}
	}
}
