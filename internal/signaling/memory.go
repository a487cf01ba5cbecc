package signaling

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

type childList struct {
	keys  []string
	index map[string]struct{}
}

func (l *childList) add(key string) bool {
	if _, ok := l.index[key]; ok {
		return false
	}
	l.index[key] = struct{}{}
	l.keys = append(l.keys, key)
	return true
}

func (l *childList) remove(key string) {
	if _, ok := l.index[key]; !ok {
		return
	}
	delete(l.index, key)
	for i, k := range l.keys {
		if k == key {
			l.keys = append(l.keys[:i], l.keys[i+1:]...)
			return
		}
	}
}

// MemoryStore is an in-process Store for tests and single node setups
type MemoryStore struct {
	mu        sync.Mutex
	values    map[string]json.RawMessage
	children  map[string]*childList
	childSubs map[string]map[*mailbox]ChildFunc
	valueSubs map[string]map[*mailbox]ValueFunc
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:    make(map[string]json.RawMessage),
		children:  make(map[string]*childList),
		childSubs: make(map[string]map[*mailbox]ChildFunc),
		valueSubs: make(map[string]map[*mailbox]ValueFunc),
	}
}

func (s *MemoryStore) Publish(ctx context.Context, path string, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validatePath(path); err != nil {
		return err
	}
	data, err := marshalValue(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[path] = data

	// register the node and every missing ancestor in its parent
	node := path
	for {
		parent, leaf := Split(node)
		if parent == "" {
			break
		}
		if !s.addChild(parent, leaf) {
			break
		}
		var childValue json.RawMessage
		if node == path {
			childValue = data
		}
		s.notifyChild(parent, Child{Key: leaf, Value: childValue})
		node = parent
	}

	s.notifyValue(path, Value{Exists: true, Data: data})

	return nil
}

func (s *MemoryStore) AppendChild(ctx context.Context, path, key string, value interface{}) (string, error) {
	if key == "" {
		key = NewEntryKey()
	}
	if err := s.Publish(ctx, Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *MemoryStore) Get(ctx context.Context, path string, dst interface{}) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	data, ok := s.values[path]
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dst)
}

func (s *MemoryStore) OnChildAdded(ctx context.Context, path string, fn ChildFunc) (Unsubscribe, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	mb := newMailbox()

	s.mu.Lock()
	if list, ok := s.children[path]; ok {
		for _, key := range list.keys {
			child := Child{Key: key, Value: s.values[Join(path, key)]}
			mb.post(func() { fn(child) })
		}
	}
	subs, ok := s.childSubs[path]
	if !ok {
		subs = make(map[*mailbox]ChildFunc)
		s.childSubs[path] = subs
	}
	subs[mb] = fn
	s.mu.Unlock()

	return s.unsubscribeOnDone(ctx, mb, func() {
		delete(s.childSubs[path], mb)
		if len(s.childSubs[path]) == 0 {
			delete(s.childSubs, path)
		}
	}), nil
}

func (s *MemoryStore) OnValueChanged(ctx context.Context, path string, fn ValueFunc) (Unsubscribe, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	mb := newMailbox()

	s.mu.Lock()
	data, ok := s.values[path]
	current := Value{Exists: ok, Data: data}
	mb.post(func() { fn(current) })

	subs, exists := s.valueSubs[path]
	if !exists {
		subs = make(map[*mailbox]ValueFunc)
		s.valueSubs[path] = subs
	}
	subs[mb] = fn
	s.mu.Unlock()

	return s.unsubscribeOnDone(ctx, mb, func() {
		delete(s.valueSubs[path], mb)
		if len(s.valueSubs[path]) == 0 {
			delete(s.valueSubs, path)
		}
	}), nil
}

func (s *MemoryStore) DeleteSubtree(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validatePath(path); err != nil {
		return err
	}

	prefix := path + separator

	s.mu.Lock()
	defer s.mu.Unlock()

	for p := range s.values {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(s.values, p)
			s.notifyValue(p, Value{})
		}
	}
	for p := range s.children {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(s.children, p)
		}
	}

	// detach the node and every ancestor left empty
	node := path
	for {
		parent, leaf := Split(node)
		if parent == "" {
			break
		}
		list, ok := s.children[parent]
		if !ok {
			break
		}
		list.remove(leaf)
		if len(list.keys) > 0 {
			break
		}
		delete(s.children, parent)
		if _, hasValue := s.values[parent]; hasValue {
			break
		}
		node = parent
	}

	return nil
}

func (s *MemoryStore) addChild(parent, key string) bool {
	list, ok := s.children[parent]
	if !ok {
		list = &childList{index: make(map[string]struct{})}
		s.children[parent] = list
	}
	return list.add(key)
}

func (s *MemoryStore) notifyChild(path string, child Child) {
	for mb, fn := range s.childSubs[path] {
		fn := fn
		mb.post(func() { fn(child) })
	}
}

func (s *MemoryStore) notifyValue(path string, value Value) {
	for mb, fn := range s.valueSubs[path] {
		fn := fn
		mb.post(func() { fn(value) })
	}
}

func (s *MemoryStore) unsubscribeOnDone(ctx context.Context, mb *mailbox, detach func()) Unsubscribe {
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			detach()
			s.mu.Unlock()
			mb.close()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
		}
	}()

	return unsubscribe
}
