package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisHashKey       = "chatgw:credentials"
	redisChangeChannel = "chatgw:credentials:changed"

	fieldLiteLLMBaseURL = "_litellm_base_url"
	fieldSelectedModel  = "_selected_model"
	fieldSealed         = "_sealed"
)

// RedisBackend keeps the snapshot in a hash and announces every save on a
// pub/sub channel so other instances can reload.
type RedisBackend struct {
	client     *redis.Client
	sealer     Sealer
	instanceID string
}

func NewRedisBackend(redisURL string, sealer Sealer) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return NewRedisBackendWithClient(client, sealer), nil
}

func NewRedisBackendWithClient(client *redis.Client, sealer Sealer) *RedisBackend {
	return &RedisBackend{
		client:     client,
		sealer:     sealer,
		instanceID: uuid.New().String(),
	}
}

func (b *RedisBackend) Load(ctx context.Context) (Snapshot, error) {
	fields, err := b.client.HGetAll(ctx, redisHashKey).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("hgetall: %w", err)
	}

	snap := Snapshot{
		LiteLLMBaseURL: fields[fieldLiteLLMBaseURL],
		SelectedModel:  fields[fieldSelectedModel],
	}
	sealed, _ := strconv.ParseBool(fields[fieldSealed])
	delete(fields, fieldLiteLLMBaseURL)
	delete(fields, fieldSelectedModel)
	delete(fields, fieldSealed)

	sealer := b.sealer
	if !sealed {
		sealer = nil
	} else if sealer == nil {
		return Snapshot{}, fmt.Errorf("redis credentials are sealed but no encryption key is configured")
	}

	snap.Keys, err = openKeys(sealer, fields)
	if err != nil {
		return Snapshot{}, err
	}

	return snap, nil
}

func (b *RedisBackend) Save(ctx context.Context, snap Snapshot) error {
	keys, err := sealKeys(b.sealer, snap.Keys)
	if err != nil {
		return err
	}

	values := make(map[string]interface{}, len(keys)+3)
	for k, v := range keys {
		values[k] = v
	}
	values[fieldLiteLLMBaseURL] = snap.LiteLLMBaseURL
	values[fieldSelectedModel] = snap.SelectedModel
	values[fieldSealed] = strconv.FormatBool(b.sealer != nil)

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, redisHashKey)
	pipe.HSet(ctx, redisHashKey, values)
	pipe.Publish(ctx, redisChangeChannel, b.instanceID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	return nil
}

// Watch subscribes to the change channel. Messages published by this
// instance are ignored since the local store already holds that state.
func (b *RedisBackend) Watch(ctx context.Context, onChange func()) error {
	sub := b.client.Subscribe(ctx, redisChangeChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", redisChangeChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == b.instanceID {
				continue
			}
			slog.Debug("credentials changed by another instance", "publisher", msg.Payload)
			onChange()
		}
	}
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
