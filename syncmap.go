package rifrelay

import (
	"github.com/puzpuzpuz/xsync/v2"
)

// SyncMap is a thin wrapper over xsync.MapOf with string keys. Used where
// concurrent readers and writers must not block each other (registry failure
// log, wallet nonces).
type SyncMap[V any] struct {
	m *xsync.MapOf[string, V]
}

func NewSyncMap[V any]() *SyncMap[V] {
	return &SyncMap[V]{m: xsync.NewMapOf[V]()}
}

func (s *SyncMap[V]) Load(key string) (V, bool) {
	return s.m.Load(key)
}

func (s *SyncMap[V]) Store(key string, value V) {
	s.m.Store(key, value)
}

func (s *SyncMap[V]) LoadOrStore(key string, value V) (V, bool) {
	return s.m.LoadOrStore(key, value)
}

func (s *SyncMap[V]) Delete(key string) {
	s.m.Delete(key)
}

func (s *SyncMap[V]) Range(f func(key string, value V) bool) {
	s.m.Range(f)
}

func (s *SyncMap[V]) Size() int {
	return s.m.Size()
}
