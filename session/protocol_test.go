package session

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/joeycumines/go-dobj/dobj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	b, err := EncodeRequest(&Request{Op: OpEntryAdd, Oid: 3, Name: "items", Key: "k", Value: 7})
	require.NoError(t, err)
	req, err := DecodeRequest(b)
	require.NoError(t, err)
	assert.Equal(t, OpEntryAdd, req.Op)
	assert.Equal(t, uint64(3), req.Oid)
	assert.Equal(t, "k", req.Key)
	assert.Equal(t, uint64(7), req.Value)

	b, err = cbor.Marshal(map[string]any{"op": "set", "bogus": 1})
	require.NoError(t, err)
	_, err = DecodeRequest(b)
	assert.Error(t, err)

	b, err = cbor.Marshal(map[string]any{"oid": 1})
	require.NoError(t, err)
	_, err = DecodeRequest(b)
	assert.ErrorIs(t, err, ErrMissingOp)

	_, err = DecodeRequest([]byte{0xff})
	assert.Error(t, err)
}

func TestEventFrame(t *testing.T) {
	for _, tc := range []struct {
		ev   dobj.Event
		want Frame
	}{
		{
			ev:   &dobj.AttributeChangedEvent{EventHeader: dobj.EventHeader{Oid: 1}, Name: "a", Value: 2, OldValue: 1},
			want: Frame{Kind: "attribute_changed", Oid: 1, Name: "a", Value: 2, Old: 1},
		},
		{
			ev:   &dobj.ElementUpdatedEvent{EventHeader: dobj.EventHeader{Oid: 1}, Name: "arr", Index: 2, Value: "x"},
			want: Frame{Kind: "element_updated", Oid: 1, Name: "arr", Index: 2, Value: "x"},
		},
		{
			ev:   &dobj.EntryUpdatedEvent{EventHeader: dobj.EventHeader{Oid: 2}, Name: "s", Entry: dobj.Entry{Key: "k", Value: 2}, OldEntry: dobj.Entry{Key: "k", Value: 1}},
			want: Frame{Kind: "entry_updated", Oid: 2, Name: "s", Key: "k", Value: 2, Old: 1},
		},
		{
			ev:   &dobj.EntryRemovedEvent{EventHeader: dobj.EventHeader{Oid: 2}, Name: "s", Key: "k", OldEntry: dobj.Entry{Key: "k", Value: 1}},
			want: Frame{Kind: "entry_removed", Oid: 2, Name: "s", Key: "k", Old: 1},
		},
		{
			ev:   &dobj.OidRemovedEvent{EventHeader: dobj.EventHeader{Oid: 3}, Name: "refs", Ref: 9},
			want: Frame{Kind: "oid_removed", Oid: 3, Name: "refs", Ref: 9},
		},
		{
			ev:   &dobj.ObjectDestroyedEvent{EventHeader: dobj.EventHeader{Oid: 4}},
			want: Frame{Kind: "object_destroyed", Oid: 4},
		},
	} {
		t.Run(tc.want.Kind, func(t *testing.T) {
			if diff := cmp.Diff(&tc.want, eventFrame(tc.ev)); diff != "" {
				t.Errorf("eventFrame() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWireValue(t *testing.T) {
	assert.Equal(t, []uint64{1, 2}, wireValue([]dobj.Oid{1, 2}))
	assert.Equal(t, "x", wireValue("x"))
	arr := []any{1, 2}
	cp := wireValue(arr).([]any)
	cp[0] = 9
	assert.Equal(t, 1, arr[0])
}
