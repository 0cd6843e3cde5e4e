package fakeserver

import (
	"context"
	"path"
	"sort"
	"sync"
)

// Update describes a change to a key, published as a keyspace notification.
type Update struct {
	DB    int
	Key   string
	Event string
}

// Store is the keyspace behind the fake server.
type Store interface {
	Get(ctx context.Context, db int, key string) ([]byte, bool)
	Set(ctx context.Context, db int, key string, value []byte)
	Del(ctx context.Context, db int, keys ...string) int
	Keys(ctx context.Context, db int, pattern string) []string
	Scan(ctx context.Context, db int, cursor uint64, pattern string, count int) (uint64, []string)
	Size(ctx context.Context, db int) int
	Flush(ctx context.Context, db int)
	ListenToUpdates() <-chan *Update
	Close() error
}

type InmemoryStore struct {
	mu  sync.RWMutex
	dbs map[int]map[string][]byte

	updateMu    sync.Mutex
	updateChans []chan *Update

	// stop will be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		dbs:  make(map[int]map[string][]byte),
		stop: make(chan struct{}),
	}
}

func (i *InmemoryStore) Close() error {
	i.updateMu.Lock()
	defer i.updateMu.Unlock()

	if !i.isRunning() {
		return nil
	}

	close(i.stop)

	for _, updateChan := range i.updateChans {
		close(updateChan)
	}

	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, db int, key string) ([]byte, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	v, ok := i.dbs[db][key]
	return v, ok
}

func (i *InmemoryStore) Set(ctx context.Context, db int, key string, value []byte) {
	i.mu.Lock()
	keyspace, ok := i.dbs[db]
	if !ok {
		keyspace = make(map[string][]byte)
		i.dbs[db] = keyspace
	}
	keyspace[key] = append([]byte(nil), value...)
	i.mu.Unlock()

	i.notify(&Update{DB: db, Key: key, Event: "set"})
}

func (i *InmemoryStore) Del(ctx context.Context, db int, keys ...string) int {
	var deleted []string

	i.mu.Lock()
	for _, key := range keys {
		if _, ok := i.dbs[db][key]; ok {
			delete(i.dbs[db], key)
			deleted = append(deleted, key)
		}
	}
	i.mu.Unlock()

	for _, key := range deleted {
		i.notify(&Update{DB: db, Key: key, Event: "del"})
	}

	return len(deleted)
}

// Keys returns every key matching a glob pattern, sorted.
func (i *InmemoryStore) Keys(ctx context.Context, db int, pattern string) []string {
	var keys []string

	for _, key := range i.sortedKeys(db) {
		if match(pattern, key) {
			keys = append(keys, key)
		}
	}

	return keys
}

// Scan walks the sorted keyspace. The cursor is the offset of the next key, and
// count keys are examined per call whether or not they match.
func (i *InmemoryStore) Scan(ctx context.Context, db int, cursor uint64, pattern string, count int) (uint64, []string) {
	if count <= 0 {
		count = 10
	}

	all := i.sortedKeys(db)
	if cursor >= uint64(len(all)) {
		return 0, nil
	}

	end := cursor + uint64(count)
	if end >= uint64(len(all)) {
		end = 0
	}

	stop := end
	if stop == 0 {
		stop = uint64(len(all))
	}

	var keys []string
	for _, key := range all[cursor:stop] {
		if match(pattern, key) {
			keys = append(keys, key)
		}
	}

	return end, keys
}

func (i *InmemoryStore) Size(ctx context.Context, db int) int {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return len(i.dbs[db])
}

func (i *InmemoryStore) Flush(ctx context.Context, db int) {
	i.mu.Lock()
	defer i.mu.Unlock()

	delete(i.dbs, db)
}

func (i *InmemoryStore) ListenToUpdates() <-chan *Update {
	i.updateMu.Lock()
	defer i.updateMu.Unlock()

	updateChan := make(chan *Update, 255)
	i.updateChans = append(i.updateChans, updateChan)

	return updateChan
}

func (i *InmemoryStore) notify(update *Update) {
	i.updateMu.Lock()
	defer i.updateMu.Unlock()

	if !i.isRunning() {
		return
	}

	for _, updateChan := range i.updateChans {
		select {
		case updateChan <- update:
		default:
			// Slow listeners miss notifications, as they would from a real server
		}
	}
}

func (i *InmemoryStore) sortedKeys(db int) []string {
	i.mu.RLock()
	keys := make([]string, 0, len(i.dbs[db]))
	for key := range i.dbs[db] {
		keys = append(keys, key)
	}
	i.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

func match(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}

	ok, err := path.Match(pattern, key)
	return err == nil && ok
}

var _ Store = (*InmemoryStore)(nil)
