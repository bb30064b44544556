package flowcache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisHealthCheckInterval is how often the background poller pings the
// client to derive ConnectionStatus, mirroring jordigilh-kubernaut's
// ping-based availability tracking.
const redisHealthCheckInterval = 2 * time.Second

// RedisAdapter is the primary StorageAdapter, backed by
// redis.UniversalClient so it works unmodified against standalone,
// sentinel, or cluster deployments.
type RedisAdapter struct {
	client redis.UniversalClient

	mu       sync.Mutex
	status   ConnectionStatus
	onConnCb []func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRedisAdapter wraps client and starts the background health-check
// poller that derives ConnectionStatus.
func NewRedisAdapter(client redis.UniversalClient) *RedisAdapter {
	a := &RedisAdapter{
		client: client,
		status: Connecting,
		stopCh: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.pollHealth()
	return a
}

// Close stops the background health-check poller. It does not close the
// wrapped redis client, which callers own.
func (a *RedisAdapter) Close() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *RedisAdapter) pollHealth() {
	defer a.wg.Done()
	ticker := time.NewTicker(redisHealthCheckInterval)
	defer ticker.Stop()
	a.checkHealth()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.checkHealth()
		}
	}
}

func (a *RedisAdapter) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), redisHealthCheckInterval)
	defer cancel()
	err := a.client.Ping(ctx).Err()

	a.mu.Lock()
	prev := a.status
	if err != nil {
		a.status = Disconnected
	} else {
		a.status = Connected
	}
	next := a.status
	cbs := append([]func(){}, a.onConnCb...)
	a.mu.Unlock()

	if prev != Connected && next == Connected {
		for _, cb := range cbs {
			cb()
		}
	}
}

func (a *RedisAdapter) Get(ctx context.Context, k string) (OptionalValue, error) {
	v, err := a.client.Get(ctx, k).Result()
	if err == redis.Nil {
		return OptionalValue{}, nil
	}
	if err != nil {
		return OptionalValue{}, err
	}
	return OptionalValue{Value: v, Present: true}, nil
}

func (a *RedisAdapter) Set(ctx context.Context, k, v string, ttl time.Duration) (bool, error) {
	err := a.client.Set(ctx, k, v, ttl).Err()
	return err == nil, err
}

func (a *RedisAdapter) Del(ctx context.Context, k string) (bool, error) {
	n, err := a.client.Del(ctx, k).Result()
	return n > 0, err
}

func (a *RedisAdapter) MGet(ctx context.Context, ks []string) ([]OptionalValue, error) {
	if len(ks) == 0 {
		return nil, ErrEmptyKeys
	}
	vals, err := a.client.MGet(ctx, ks...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]OptionalValue, len(ks))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[i] = OptionalValue{Value: s, Present: true}
	}
	return out, nil
}

func (a *RedisAdapter) MSet(ctx context.Context, pairs map[string]string, ttl time.Duration) error {
	if len(pairs) == 0 {
		return ErrEmptyKeys
	}
	kvs := make([]any, 0, len(pairs)*2)
	for k, v := range pairs {
		kvs = append(kvs, k, v)
	}
	pipe := a.client.TxPipeline()
	pipe.MSet(ctx, kvs...)
	if ttl > 0 {
		for k := range pairs {
			pipe.PExpire(ctx, k, ttl)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (a *RedisAdapter) AcquireLock(ctx context.Context, k string, ttl time.Duration) (bool, error) {
	return a.client.SetNX(ctx, k+"_lock", "1", ttl).Result()
}

func (a *RedisAdapter) ReleaseLock(ctx context.Context, k string) (bool, error) {
	n, err := a.client.Del(ctx, k+"_lock").Result()
	return n > 0, err
}

func (a *RedisAdapter) IsLockExists(ctx context.Context, k string) (bool, error) {
	n, err := a.client.Exists(ctx, k+"_lock").Result()
	return n > 0, err
}

func (a *RedisAdapter) GetConnectionStatus() ConnectionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *RedisAdapter) OnConnect(cb func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onConnCb = append(a.onConnCb, cb)
}

func (a *RedisAdapter) SetOptions(map[string]any) error { return nil }

// Publish implements pubSubCapable, used by Mirror to broadcast
// invalidation notices across processes sharing this Redis deployment.
func (a *RedisAdapter) Publish(ctx context.Context, channel, payload string) error {
	return a.client.Publish(ctx, channel, payload).Err()
}

// Subscribe implements pubSubCapable. The returned cancel func must be
// called to release the subscription.
func (a *RedisAdapter) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	sub := a.client.Subscribe(ctx, channel)
	out := make(chan string, invalidateChanSize)
	stop := make(chan struct{})
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-stop:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				out <- msg.Payload
			}
		}
	}()
	cancel := func() {
		close(stop)
		_ = sub.Close()
	}
	return out, cancel, nil
}
