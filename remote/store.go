package remote

import (
	"container/list"
	"fmt"
	"strconv"

	"github.com/dop251/goja"
)

// DefaultCapacity bounds the id store. Protocol clients rarely release
// ids explicitly, so without a cap a long session with heavy console usage
// grows the store forever; least-recently-serialized entries are evicted
// once the cap is reached.
const DefaultCapacity = 4096

// UnknownObjectError reports a lookup for a released or never-issued id.
type UnknownObjectError struct {
	ID string
}

func (e *UnknownObjectError) Error() string {
	return fmt.Sprintf("remote: unknown object id %q", e.ID)
}

type storeEntry struct {
	id    string
	value *goja.Object
	group string
	elem  *list.Element
}

// store maps objectId to live object and back. The reverse map is keyed by
// object identity so repeated serialization of the same live object yields
// the same id.
type store struct {
	capacity int
	seq      int64
	byID     map[string]*storeEntry
	byValue  map[*goja.Object]*storeEntry
	lru      *list.List // front = most recently touched
}

func newStore(capacity int) *store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &store{
		capacity: capacity,
		byID:     make(map[string]*storeEntry),
		byValue:  make(map[*goja.Object]*storeEntry),
		lru:      list.New(),
	}
}

// intern returns the id for obj, issuing a fresh one on first encounter.
func (s *store) intern(obj *goja.Object, group string) string {
	if e, ok := s.byValue[obj]; ok {
		s.lru.MoveToFront(e.elem)
		return e.id
	}
	s.seq++
	e := &storeEntry{
		id:    "object:" + strconv.FormatInt(s.seq, 10),
		value: obj,
		group: group,
	}
	e.elem = s.lru.PushFront(e)
	s.byID[e.id] = e
	s.byValue[obj] = e
	for s.lru.Len() > s.capacity {
		oldest := s.lru.Back().Value.(*storeEntry)
		s.drop(oldest)
	}
	return e.id
}

func (s *store) lookup(id string) (*goja.Object, error) {
	e, ok := s.byID[id]
	if !ok {
		return nil, &UnknownObjectError{ID: id}
	}
	s.lru.MoveToFront(e.elem)
	return e.value, nil
}

// release removes both directions of the mapping. Idempotent.
func (s *store) release(id string) bool {
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	s.drop(e)
	return true
}

func (s *store) releaseGroup(group string) int {
	if group == "" {
		return 0
	}
	var victims []*storeEntry
	for _, e := range s.byID {
		if e.group == group {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		s.drop(e)
	}
	return len(victims)
}

func (s *store) drop(e *storeEntry) {
	delete(s.byID, e.id)
	delete(s.byValue, e.value)
	s.lru.Remove(e.elem)
}

func (s *store) groupOf(id string) string {
	if e, ok := s.byID[id]; ok {
		return e.group
	}
	return ""
}

func (s *store) reset() {
	s.byID = make(map[string]*storeEntry)
	s.byValue = make(map[*goja.Object]*storeEntry)
	s.lru.Init()
}

func (s *store) size() int { return s.lru.Len() }
