package dobj

// Event is an immutable record of one mutation of a distributed object.
//
// The set of variants is closed: AttributeChangedEvent, ElementUpdatedEvent,
// EntryAddedEvent, EntryUpdatedEvent, EntryRemovedEvent, OidAddedEvent,
// OidRemovedEvent, ObjectAddedEvent and ObjectDestroyedEvent. Consumers
// switch on the concrete type.
//
// Fields named Old* are filled in by the dispatch goroutine when the event
// is applied, and are meaningful only to subscribers. An event must not be
// posted more than once, and subscribers must not modify delivered events.
type Event interface {
	// Target is the oid of the object the event mutates.
	Target() Oid
	// Kind is a short stable name for the variant, used in logs and on
	// the wire.
	Kind() string

	isEvent()
}

// EventHeader carries the target oid common to all events.
type EventHeader struct {
	Oid Oid
}

func (x *EventHeader) Target() Oid { return x.Oid }

func (*EventHeader) isEvent() {}

type (
	// AttributeChangedEvent sets a scalar attribute.
	AttributeChangedEvent struct {
		Value    any
		OldValue any
		Name     string
		EventHeader
	}

	// ElementUpdatedEvent sets one element of an array ([]any) attribute.
	ElementUpdatedEvent struct {
		Value    any
		OldValue any
		Name     string
		EventHeader
		Index int
	}

	// EntryAddedEvent adds an entry to an entry set, creating the set if
	// the attribute is unset.
	EntryAddedEvent struct {
		Name  string
		Entry Entry
		EventHeader
	}

	// EntryUpdatedEvent replaces the entry with the same key.
	EntryUpdatedEvent struct {
		Name     string
		Entry    Entry
		OldEntry Entry
		EventHeader
	}

	// EntryRemovedEvent removes the entry with the given key.
	EntryRemovedEvent struct {
		Key      any
		Name     string
		OldEntry Entry
		EventHeader
	}

	// OidAddedEvent appends a reference to an oid list, creating the list
	// if the attribute is unset.
	OidAddedEvent struct {
		Name string
		EventHeader
		Ref Oid
	}

	// OidRemovedEvent removes a reference from an oid list.
	OidRemovedEvent struct {
		Name string
		EventHeader
		Ref Oid
	}

	// ObjectAddedEvent is posted to an object when it is registered.
	ObjectAddedEvent struct {
		EventHeader
	}

	// ObjectDestroyedEvent is posted by Manager.Destroy.
	ObjectDestroyedEvent struct {
		EventHeader
	}
)

func (*AttributeChangedEvent) Kind() string { return "attribute_changed" }
func (*ElementUpdatedEvent) Kind() string   { return "element_updated" }
func (*EntryAddedEvent) Kind() string       { return "entry_added" }
func (*EntryUpdatedEvent) Kind() string     { return "entry_updated" }
func (*EntryRemovedEvent) Kind() string     { return "entry_removed" }
func (*OidAddedEvent) Kind() string         { return "oid_added" }
func (*OidRemovedEvent) Kind() string       { return "oid_removed" }
func (*ObjectAddedEvent) Kind() string      { return "object_added" }
func (*ObjectDestroyedEvent) Kind() string  { return "object_destroyed" }

func NewAttributeChangedEvent(oid Oid, name string, value any) *AttributeChangedEvent {
	return &AttributeChangedEvent{EventHeader: EventHeader{Oid: oid}, Name: name, Value: value}
}

func NewElementUpdatedEvent(oid Oid, name string, index int, value any) *ElementUpdatedEvent {
	return &ElementUpdatedEvent{EventHeader: EventHeader{Oid: oid}, Name: name, Index: index, Value: value}
}

func NewEntryAddedEvent(oid Oid, name string, entry Entry) *EntryAddedEvent {
	return &EntryAddedEvent{EventHeader: EventHeader{Oid: oid}, Name: name, Entry: entry}
}

func NewEntryUpdatedEvent(oid Oid, name string, entry Entry) *EntryUpdatedEvent {
	return &EntryUpdatedEvent{EventHeader: EventHeader{Oid: oid}, Name: name, Entry: entry}
}

func NewEntryRemovedEvent(oid Oid, name string, key any) *EntryRemovedEvent {
	return &EntryRemovedEvent{EventHeader: EventHeader{Oid: oid}, Name: name, Key: key}
}

func NewOidAddedEvent(oid Oid, name string, ref Oid) *OidAddedEvent {
	return &OidAddedEvent{EventHeader: EventHeader{Oid: oid}, Name: name, Ref: ref}
}

func NewOidRemovedEvent(oid Oid, name string, ref Oid) *OidRemovedEvent {
	return &OidRemovedEvent{EventHeader: EventHeader{Oid: oid}, Name: name, Ref: ref}
}
