package dobj

import (
	"cmp"
	"context"
	"slices"
)

// dispatchEvent applies ev and notifies the target's subscribers. Called
// only on the dispatch goroutine.
func (m *Manager) dispatchEvent(ev Event) {
	if d, ok := ev.(*ObjectDestroyedEvent); ok {
		m.processDestroy(d)
		return
	}

	obj, ok := m.Object(ev.Target())
	if !ok {
		m.reject(ev, errTargetAbsent)
		return
	}
	if err := m.apply(obj, ev); err != nil {
		m.reject(ev, err)
		return
	}

	m.counters.applied.Add(1)
	m.metrics.recordApplied(ev)
	m.notify(obj, ev)
}

func (m *Manager) reject(ev Event, reason error) {
	m.counters.rejected.Add(1)
	m.metrics.recordRejected(ev)
	m.logger.Debug().
		Uint64("oid", uint64(ev.Target())).
		Str("kind", ev.Kind()).
		Str("reason", reason.Error()).
		Log("dobj: rejected event")
}

func (m *Manager) notify(obj *DObject, ev Event) {
	for _, s := range obj.subs {
		if s.canceled.Load() {
			continue
		}
		m.safeExecute(func() { s.sub.EventReceived(ev) }, ev)
	}
}

func (m *Manager) apply(obj *DObject, ev Event) error {
	switch ev := ev.(type) {
	case *AttributeChangedEvent:
		if isCollection(ev.Value) || isCollection(obj.attrs[ev.Name]) {
			return errWrongKind
		}
		ev.OldValue = obj.attrs[ev.Name]
		obj.attrs[ev.Name] = ev.Value

	case *ElementUpdatedEvent:
		arr, ok := obj.attrs[ev.Name].([]any)
		if !ok {
			return errWrongKind
		}
		if ev.Index < 0 || ev.Index >= len(arr) {
			return errIndexOutOfRange
		}
		arr = slices.Clone(arr)
		ev.OldValue = arr[ev.Index]
		arr[ev.Index] = ev.Value
		obj.attrs[ev.Name] = arr

	case *EntryAddedEvent:
		set, err := entrySet(obj, ev.Name, ev.Entry.Key)
		if err != nil {
			return err
		}
		if _, ok := set.Get(ev.Entry.Key); ok {
			return errDuplicateEntry
		}
		obj.attrs[ev.Name] = set.with(ev.Entry)

	case *EntryUpdatedEvent:
		set, err := entrySet(obj, ev.Name, ev.Entry.Key)
		if err != nil {
			return err
		}
		old, ok := set.Get(ev.Entry.Key)
		if !ok {
			return errNoSuchEntry
		}
		ev.OldEntry = old
		obj.attrs[ev.Name] = set.replacing(ev.Entry)

	case *EntryRemovedEvent:
		set, err := entrySet(obj, ev.Name, ev.Key)
		if err != nil {
			return err
		}
		old, ok := set.Get(ev.Key)
		if !ok {
			return errNoSuchEntry
		}
		ev.OldEntry = old
		obj.attrs[ev.Name] = set.without(ev.Key)

	case *OidAddedEvent:
		list, err := oidList(obj, ev.Name)
		if err != nil {
			return err
		}
		if !m.isLive(ev.Ref) {
			return errDestroyedReference
		}
		if containsOid(list, ev.Ref) {
			return errDuplicateReference
		}
		obj.attrs[ev.Name] = append(slices.Clone(list), ev.Ref)
		m.index(ev.Ref, obj.oid, ev.Name)

	case *OidRemovedEvent:
		list, err := oidList(obj, ev.Name)
		if err != nil {
			return err
		}
		i := slices.Index(list, ev.Ref)
		if i < 0 {
			return errNoSuchReference
		}
		obj.attrs[ev.Name] = slices.Delete(slices.Clone(list), i, i+1)
		m.unindex(ev.Ref, obj.oid, ev.Name)

	case *ObjectAddedEvent:

	default:
		return errUnknownEventVariant
	}
	return nil
}

// processDestroy removes the object, notifies its subscribers, then enqueues
// one OidRemovedEvent per list still referencing it, as a separate run
// behind anything already queued.
func (m *Manager) processDestroy(ev *ObjectDestroyedEvent) {
	oid := ev.Oid

	m.regMu.Lock()
	obj, ok := m.objects[oid]
	if !ok {
		m.regMu.Unlock()
		m.reject(ev, errTargetAbsent)
		return
	}
	// may have been posted directly, bypassing Destroy
	obj.destroyed.Store(true)
	delete(m.objects, oid)

	for name, v := range obj.attrs {
		if list, ok := v.([]Oid); ok {
			for _, ref := range list {
				m.unindexLocked(ref, oid, name)
			}
		}
	}

	keys := make([]refKey, 0, len(m.refs[oid]))
	for k := range m.refs[oid] {
		if _, live := m.objects[k.referrer]; live {
			keys = append(keys, k)
		}
	}
	delete(m.refs, oid)
	m.regMu.Unlock()

	m.counters.destroyed.Add(1)
	m.counters.applied.Add(1)
	m.metrics.recordApplied(ev)
	m.notify(obj, ev)
	obj.subs = nil

	if len(keys) == 0 {
		return
	}
	slices.SortFunc(keys, func(a, b refKey) int {
		if c := cmp.Compare(a.referrer, b.referrer); c != 0 {
			return c
		}
		return cmp.Compare(a.list, b.list)
	})
	batch := make([]unit, len(keys))
	for i, k := range keys {
		batch[i] = unit{ev: NewOidRemovedEvent(k.referrer, k.list, oid)}
	}
	if err := m.push(batch...); err != nil {
		m.logger.Debug().
			Uint64("oid", uint64(oid)).
			Int("refs", len(batch)).
			Err(err).
			Log("dobj: reference cleanup not enqueued")
		return
	}
	m.counters.cascaded.Add(uint64(len(batch)))
	m.metrics.cascaded.Add(context.Background(), int64(len(batch)))
}

func (m *Manager) isLive(oid Oid) bool {
	obj, ok := m.Object(oid)
	return ok && !obj.destroyed.Load()
}

func (m *Manager) index(ref, referrer Oid, list string) {
	m.regMu.Lock()
	m.indexLocked(ref, referrer, list)
	m.regMu.Unlock()
}

func (m *Manager) indexLocked(ref, referrer Oid, list string) {
	set := m.refs[ref]
	if set == nil {
		set = make(map[refKey]struct{})
		m.refs[ref] = set
	}
	set[refKey{referrer: referrer, list: list}] = struct{}{}
}

func (m *Manager) unindex(ref, referrer Oid, list string) {
	m.regMu.Lock()
	m.unindexLocked(ref, referrer, list)
	m.regMu.Unlock()
}

func (m *Manager) unindexLocked(ref, referrer Oid, list string) {
	set := m.refs[ref]
	if set == nil {
		return
	}
	delete(set, refKey{referrer: referrer, list: list})
	if len(set) == 0 {
		delete(m.refs, ref)
	}
}

// referrers returns the number of lists indexed as referencing oid.
func (m *Manager) referrers(oid Oid) int {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	return len(m.refs[oid])
}

func entrySet(obj *DObject, name string, key any) (*EntrySet, error) {
	if !validKey(key) {
		return nil, ErrInvalidKey
	}
	v, ok := obj.attrs[name]
	if !ok || v == nil {
		return nil, nil
	}
	set, ok := v.(*EntrySet)
	if !ok {
		return nil, errWrongKind
	}
	return set, nil
}

func oidList(obj *DObject, name string) ([]Oid, error) {
	v, ok := obj.attrs[name]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]Oid)
	if !ok {
		return nil, errWrongKind
	}
	return list, nil
}

func isCollection(v any) bool {
	switch v.(type) {
	case []Oid, *EntrySet:
		return true
	}
	return false
}

func containsOid(list []Oid, oid Oid) bool {
	return slices.Contains(list, oid)
}
