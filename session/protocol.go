// Package session bridges network clients to a dobj.Manager: each
// connection carries length-prefixed CBOR frames, requests are translated
// into object events, and events on subscribed objects are pushed back.
package session

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/joeycumines/go-dobj/dobj"
)

// Request ops.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpSet         = "set"
	OpElement     = "element"
	OpEntryAdd    = "entry_add"
	OpEntryUpdate = "entry_update"
	OpEntryRemove = "entry_remove"
	OpOidAdd      = "oid_add"
	OpOidRemove   = "oid_remove"
	OpDestroy     = "destroy"
)

// Frame kinds, in addition to the event kinds of package dobj.
const (
	KindSnapshot = "snapshot"
	KindError    = "error"
)

// Request is one inbound frame.
type Request struct {
	Value any    `cbor:"value,omitempty"`
	Key   any    `cbor:"key,omitempty"`
	Op    string `cbor:"op"`
	Name  string `cbor:"name,omitempty"`
	Oid   uint64 `cbor:"oid,omitempty"`
	Ref   uint64 `cbor:"ref,omitempty"`
	Index int    `cbor:"index,omitempty"`
}

// Frame is one outbound frame: an event, a snapshot, or an error.
type Frame struct {
	Value any            `cbor:"value,omitempty"`
	Old   any            `cbor:"old,omitempty"`
	Key   any            `cbor:"key,omitempty"`
	Attrs map[string]any `cbor:"attrs,omitempty"`
	Kind  string         `cbor:"kind"`
	Op    string         `cbor:"op,omitempty"`
	Name  string         `cbor:"name,omitempty"`
	Error string         `cbor:"error,omitempty"`
	Oid   uint64         `cbor:"oid,omitempty"`
	Ref   uint64         `cbor:"ref,omitempty"`
	Index int            `cbor:"index,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}).DecMode(); err != nil {
		panic(err)
	}
}

// EncodeFrame marshals a frame payload, without the length prefix.
func EncodeFrame(f *Frame) ([]byte, error) { return encMode.Marshal(f) }

// DecodeFrame unmarshals a frame payload.
func DecodeFrame(b []byte) (*Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// EncodeRequest marshals a request payload, without the length prefix.
func EncodeRequest(r *Request) ([]byte, error) { return encMode.Marshal(r) }

// DecodeRequest unmarshals a request payload. Unknown fields are rejected.
func DecodeRequest(b []byte) (*Request, error) {
	var r Request
	if err := decMode.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	if r.Op == "" {
		return nil, ErrMissingOp
	}
	return &r, nil
}

// eventFrame renders an applied event.
func eventFrame(ev dobj.Event) *Frame {
	f := &Frame{Kind: ev.Kind(), Oid: uint64(ev.Target())}
	switch ev := ev.(type) {
	case *dobj.AttributeChangedEvent:
		f.Name, f.Value, f.Old = ev.Name, ev.Value, ev.OldValue
	case *dobj.ElementUpdatedEvent:
		f.Name, f.Index, f.Value, f.Old = ev.Name, ev.Index, ev.Value, ev.OldValue
	case *dobj.EntryAddedEvent:
		f.Name, f.Key, f.Value = ev.Name, ev.Entry.Key, ev.Entry.Value
	case *dobj.EntryUpdatedEvent:
		f.Name, f.Key, f.Value, f.Old = ev.Name, ev.Entry.Key, ev.Entry.Value, ev.OldEntry.Value
	case *dobj.EntryRemovedEvent:
		f.Name, f.Key, f.Old = ev.Name, ev.Key, ev.OldEntry.Value
	case *dobj.OidAddedEvent:
		f.Name, f.Ref = ev.Name, uint64(ev.Ref)
	case *dobj.OidRemovedEvent:
		f.Name, f.Ref = ev.Name, uint64(ev.Ref)
	}
	return f
}

// snapshotFrame renders every attribute of obj, which must only be called
// on the dispatch goroutine.
func snapshotFrame(obj *dobj.DObject) *Frame {
	attrs := make(map[string]any)
	for _, name := range obj.AttrNames() {
		v, _ := obj.Attr(name)
		attrs[name] = wireValue(v)
	}
	return &Frame{Kind: KindSnapshot, Oid: uint64(obj.Oid()), Attrs: attrs}
}

func wireValue(v any) any {
	switch v := v.(type) {
	case []dobj.Oid:
		refs := make([]uint64, len(v))
		for i, ref := range v {
			refs[i] = uint64(ref)
		}
		return refs
	case *dobj.EntrySet:
		entries := make(map[any]any, v.Len())
		for _, e := range v.Entries() {
			entries[e.Key] = e.Value
		}
		return entries
	case []any:
		return append([]any(nil), v...)
	default:
		return v
	}
}
