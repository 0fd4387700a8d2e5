package dobj

import (
	"reflect"
	"slices"
	"strconv"
	"sync/atomic"
)

// Oid identifies a distributed object within its manager. The zero value is
// never assigned.
type Oid uint64

func (x Oid) String() string { return strconv.FormatUint(uint64(x), 10) }

// Entry is a member of an entry set.
type Entry struct {
	Key   any
	Value any
}

// EntrySet is an insertion ordered set of entries with unique, comparable
// keys. Sets held by objects are copy-on-write: a set obtained from an
// object is never modified afterwards.
type EntrySet struct {
	index   map[any]int
	entries []Entry
}

// Len returns the number of entries.
func (x *EntrySet) Len() int {
	if x == nil {
		return 0
	}
	return len(x.entries)
}

// Get returns the entry with the given key.
func (x *EntrySet) Get(key any) (Entry, bool) {
	if x == nil {
		return Entry{}, false
	}
	i, ok := x.index[key]
	if !ok {
		return Entry{}, false
	}
	return x.entries[i], true
}

// Entries returns a copy of the entries, in insertion order.
func (x *EntrySet) Entries() []Entry {
	if x == nil {
		return nil
	}
	return slices.Clone(x.entries)
}

func (x *EntrySet) with(e Entry) *EntrySet {
	n := &EntrySet{entries: make([]Entry, 0, x.Len()+1)}
	if x != nil {
		n.entries = append(n.entries, x.entries...)
	}
	n.entries = append(n.entries, e)
	n.reindex()
	return n
}

func (x *EntrySet) replacing(e Entry) *EntrySet {
	n := &EntrySet{entries: slices.Clone(x.entries), index: x.index}
	n.entries[x.index[e.Key]] = e
	return n
}

func (x *EntrySet) without(key any) *EntrySet {
	i := x.index[key]
	n := &EntrySet{entries: slices.Delete(slices.Clone(x.entries), i, i+1)}
	n.reindex()
	return n
}

func (x *EntrySet) reindex() {
	x.index = make(map[any]int, len(x.entries))
	for i, e := range x.entries {
		x.index[e.Key] = i
	}
}

// validKey reports whether key can index an entry set. A comparable type is
// not enough: interface or array fields may still hold unhashable values.
func validKey(key any) (ok bool) {
	if key == nil || !reflect.TypeOf(key).Comparable() {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	scratch := make(map[any]struct{}, 1)
	scratch[key] = struct{}{}
	return true
}

// DObject is a distributed object: a set of named attributes mutated only by
// its manager's dispatch goroutine, in response to requests made through the
// methods below, which may be called from any goroutine.
//
// An attribute holds one of a scalar value, an oid list ([]Oid), an entry
// set (*EntrySet), or an element array ([]any). The read accessors (Attr,
// OidList, Entries, Element) are only safe on the dispatch goroutine, or
// before the object is registered.
type DObject struct {
	attrs     map[string]any
	mgr       *Manager
	subs      []*Subscription
	oid       Oid
	destroyed atomic.Bool
}

// NewDObject returns an unregistered object with the given initial
// attributes, which are copied.
func NewDObject(attrs map[string]any) *DObject {
	x := &DObject{attrs: make(map[string]any, len(attrs))}
	for k, v := range attrs {
		x.attrs[k] = v
	}
	return x
}

// Oid returns the object's id, or zero if unregistered.
func (x *DObject) Oid() Oid { return x.oid }

// Manager returns the owning manager, or nil if unregistered.
func (x *DObject) Manager() *Manager { return x.mgr }

// IsDestroyed reports whether Destroy has been called. The flag is set
// synchronously, before the destroy event is applied.
func (x *DObject) IsDestroyed() bool { return x.destroyed.Load() }

// Attr returns the raw attribute value.
func (x *DObject) Attr(name string) (any, bool) {
	v, ok := x.attrs[name]
	return v, ok
}

// AttrNames returns the attribute names, sorted.
func (x *DObject) AttrNames() []string {
	names := make([]string, 0, len(x.attrs))
	for k := range x.attrs {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// OidList returns a copy of the named oid list.
func (x *DObject) OidList(name string) []Oid {
	l, _ := x.attrs[name].([]Oid)
	return slices.Clone(l)
}

// Entries returns the named entry set, which may be nil.
func (x *DObject) Entries(name string) *EntrySet {
	s, _ := x.attrs[name].(*EntrySet)
	return s
}

// Element returns an element of the named array.
func (x *DObject) Element(name string, index int) (any, bool) {
	arr, ok := x.attrs[name].([]any)
	if !ok || index < 0 || index >= len(arr) {
		return nil, false
	}
	return arr[index], true
}

// SetAttr requests a scalar attribute change.
func (x *DObject) SetAttr(name string, value any) error {
	return x.post(NewAttributeChangedEvent(x.oid, name, value))
}

// SetElement requests an update of one element of an array attribute.
func (x *DObject) SetElement(name string, index int, value any) error {
	return x.post(NewElementUpdatedEvent(x.oid, name, index, value))
}

// AddEntry requests the addition of an entry to an entry set.
func (x *DObject) AddEntry(name string, entry Entry) error {
	if !validKey(entry.Key) {
		return ErrInvalidKey
	}
	return x.post(NewEntryAddedEvent(x.oid, name, entry))
}

// UpdateEntry requests the replacement of an entry with the same key.
func (x *DObject) UpdateEntry(name string, entry Entry) error {
	if !validKey(entry.Key) {
		return ErrInvalidKey
	}
	return x.post(NewEntryUpdatedEvent(x.oid, name, entry))
}

// RemoveEntry requests the removal of the entry with the given key.
func (x *DObject) RemoveEntry(name string, key any) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	return x.post(NewEntryRemovedEvent(x.oid, name, key))
}

// AddToOidList requests that ref be appended to the named oid list. If ref
// is destroyed by the time the request is applied, it is silently dropped.
func (x *DObject) AddToOidList(name string, ref Oid) error {
	return x.post(NewOidAddedEvent(x.oid, name, ref))
}

// RemoveFromOidList requests that ref be removed from the named oid list.
func (x *DObject) RemoveFromOidList(name string, ref Oid) error {
	return x.post(NewOidRemovedEvent(x.oid, name, ref))
}

// Destroy is equivalent to Manager.Destroy(x.Oid()).
func (x *DObject) Destroy() error {
	if x.mgr == nil {
		return ErrNotRegistered
	}
	return x.mgr.Destroy(x.oid)
}

// StartTransaction opens a transaction buffering requests against this
// object. The transaction belongs to whoever holds the returned handle.
func (x *DObject) StartTransaction() *Transaction {
	return &Transaction{obj: x}
}

func (x *DObject) post(ev Event) error {
	if x.mgr == nil {
		return ErrNotRegistered
	}
	return x.mgr.PostEvent(ev)
}
