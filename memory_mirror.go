package flowcache

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coocood/freecache"
	uuid "github.com/satori/go.uuid"
)

const (
	invalidateTopic    = "flowcache:mirror:invalidate"
	invalidateDelim    = "~|~"
	maxBatchedKeys     = 100
	invalidateChanSize = 100
	batchInterval      = time.Second
)

// pubSubCapable is implemented by adapters that can broadcast invalidation
// notices across processes (currently RedisAdapter). Adapters without a
// broadcast channel still get a working mirror, just one that only
// invalidates itself, not siblings.
type pubSubCapable interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)
}

// Mirror is an optional in-process L1 cache sitting in front of a
// StorageAdapter, backed by freecache, mirroring BaseStorage's encoded
// Record bytes. Mirror entries carry the remaining TTL of the record they
// shadow, truncated to whole seconds; records with no TTL or less than a
// second left are not mirrored. Entries are never authoritative for
// tag-outdated checks.
type Mirror struct {
	local *freecache.Cache
	id    string

	pendingMu   sync.Mutex
	pendingKeys map[string]struct{}
	flushCh     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	attached bool
}

// NewMirror constructs a Mirror with the given freecache arena size in
// bytes. Call Attach once a StorageAdapter is known to start the
// broadcast/listen goroutines.
func NewMirror(sizeBytes int) *Mirror {
	ctx, cancel := context.WithCancel(context.Background())
	return &Mirror{
		local:       freecache.NewCache(sizeBytes),
		id:          uuid.NewV4().String(),
		pendingKeys: make(map[string]struct{}),
		flushCh:     make(chan struct{}, invalidateChanSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Attach wires the mirror to adapter. If adapter supports pub/sub, Attach
// starts the batched-broadcast and listen-for-peer-invalidation goroutines.
func (m *Mirror) Attach(adapter StorageAdapter) {
	if m.attached {
		return
	}
	m.attached = true
	if ps, ok := adapter.(pubSubCapable); ok {
		m.wg.Add(2)
		go m.broadcastLoop(ps)
		go m.listenLoop(ps)
	}
}

// Close stops the mirror's background goroutines.
func (m *Mirror) Close() {
	m.cancel()
	m.wg.Wait()
}

// Get returns the mirrored bytes for key, if present and not expired.
func (m *Mirror) Get(key string) (string, bool) {
	v, err := m.local.Get([]byte(key))
	if err != nil {
		return "", false
	}
	return string(v), true
}

// Put stores value under key with the given TTL; a sub-second TTL is
// ignored for the memory cache (ttlSeconds <= 0 is a no-op). Queues an
// invalidation notice for peers if this overwrites a different value.
func (m *Mirror) Put(key, value string, ttl time.Duration) {
	ttlSeconds := int(ttl.Seconds())
	if ttlSeconds <= 0 {
		return
	}
	prev, err := m.local.Get([]byte(key))
	if err == nil && !bytes.Equal(prev, []byte(value)) {
		m.queueInvalidate(key)
	}
	_ = m.local.Set([]byte(key), []byte(value), ttlSeconds)
}

// Evict removes key locally and notifies peers.
func (m *Mirror) Evict(key string) {
	_, err := m.local.Get([]byte(key))
	wasPresent := err == nil
	m.local.Del([]byte(key))
	if wasPresent {
		m.queueInvalidate(key)
	}
}

func (m *Mirror) queueInvalidate(key string) {
	m.pendingMu.Lock()
	m.pendingKeys[key] = struct{}{}
	n := len(m.pendingKeys)
	m.pendingMu.Unlock()
	if n >= maxBatchedKeys {
		select {
		case m.flushCh <- struct{}{}:
		default:
		}
	}
}

func (m *Mirror) broadcastLoop(ps pubSubCapable) {
	defer m.wg.Done()
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		case <-m.flushCh:
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.pendingMu.Lock()
			if len(m.pendingKeys) == 0 {
				m.pendingMu.Unlock()
				return
			}
			toSend := m.pendingKeys
			m.pendingKeys = make(map[string]struct{})
			m.pendingMu.Unlock()

			keys := make([]string, 0, len(toSend))
			for k := range toSend {
				keys = append(keys, k)
			}
			msg := m.id + invalidateDelim + strings.Join(keys, invalidateDelim)
			_ = ps.Publish(m.ctx, invalidateTopic, msg)
		}()
	}
}

func (m *Mirror) listenLoop(ps pubSubCapable) {
	defer m.wg.Done()
	ch, cancelSub, err := ps.Subscribe(m.ctx, invalidateTopic)
	if err != nil {
		return
	}
	defer cancelSub()
	for {
		select {
		case <-m.ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			m.handlePeerInvalidate(payload)
		}
	}
}

func (m *Mirror) handlePeerInvalidate(payload string) {
	parts := strings.Split(payload, invalidateDelim)
	if len(parts) < 2 {
		return
	}
	if parts[0] == m.id {
		return
	}
	for _, key := range parts[1:] {
		m.local.Del([]byte(key))
	}
}
