package dobj

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDestroy_addRacingDestroyIsRejected(t *testing.T) {
	m := startManager(t)
	x := register(t, m, nil)
	y := register(t, m, nil)
	rec := subscribe(t, m, y)

	release := block(t, m)
	// requested before the destroy, applied after the flag is set
	require.NoError(t, y.AddToOidList("early", x.Oid()))
	require.NoError(t, x.Destroy())
	assert.True(t, x.IsDestroyed())
	// accepted into the queue
	require.NoError(t, y.AddToOidList("late", x.Oid()))
	release()
	flush(t, m)
	flush(t, m)

	for _, ev := range rec.Events() {
		_, added := ev.(*OidAddedEvent)
		assert.False(t, added, "unexpected %T", ev)
	}
	onDispatch(t, m, func() {
		assert.Empty(t, y.OidList("early"))
		assert.Empty(t, y.OidList("late"))
	})
	assert.Zero(t, m.referrers(x.Oid()))
	assert.Equal(t, uint64(2), m.Stats().Rejected)
}

func TestDestroy_mutualReferences(t *testing.T) {
	m := startManager(t)
	a := register(t, m, nil)
	b := register(t, m, nil)
	require.NoError(t, a.AddToOidList("friends", b.Oid()))
	require.NoError(t, b.AddToOidList("friends", a.Oid()))
	flush(t, m)
	assert.Equal(t, 1, m.referrers(a.Oid()))
	assert.Equal(t, 1, m.referrers(b.Oid()))

	recA := subscribe(t, m, a)
	var (
		destroyedSeen bool
		windowOpen    bool
	)
	_, err := m.Subscribe(b.Oid(), SubscriberFunc(func(ev Event) {
		if _, ok := ev.(*ObjectDestroyedEvent); ok {
			destroyedSeen = true
			windowOpen = containsOid(a.OidList("friends"), b.Oid())
		}
	}))
	require.NoError(t, err)
	flush(t, m)

	require.NoError(t, b.Destroy())
	flush(t, m)
	onDispatch(t, m, func() {
		assert.True(t, destroyedSeen)
		assert.True(t, windowOpen, "destroy must be observed before the purge")
	})
	flush(t, m)

	var removals []*OidRemovedEvent
	for _, ev := range recA.Events() {
		if r, ok := ev.(*OidRemovedEvent); ok {
			removals = append(removals, r)
		}
	}
	require.Len(t, removals, 1)
	assert.Equal(t, b.Oid(), removals[0].Ref)
	assert.Equal(t, "friends", removals[0].Name)

	onDispatch(t, m, func() {
		assert.Empty(t, a.OidList("friends"))
	})
	assert.Zero(t, m.referrers(a.Oid()), "outgoing references of the destroyed object are purged")
	assert.Zero(t, m.referrers(b.Oid()))
	_, ok := m.Object(b.Oid())
	assert.False(t, ok)
	assert.Equal(t, uint64(1), m.Stats().Cascaded)
}

func TestDestroy_twiceIsLoggedNoop(t *testing.T) {
	var logs syncBuffer
	m := startManager(t, WithLogger(newTestLogger(&logs)))
	x := register(t, m, nil)
	rec := subscribe(t, m, x)

	require.NoError(t, x.Destroy())
	assert.ErrorIs(t, x.Destroy(), ErrAlreadyDestroyed)
	assert.Contains(t, logs.String(), "object destroyed twice")
	flush(t, m)

	assert.ErrorIs(t, m.Destroy(x.Oid()), ErrNoSuchObject)
	events := rec.Events()
	require.Len(t, events, 1)
	assert.IsType(t, &ObjectDestroyedEvent{}, events[0])
	assert.Equal(t, uint64(1), m.Stats().Destroyed)
}

func TestDestroy_initialListsIndexed(t *testing.T) {
	m := startManager(t)
	a := register(t, m, nil)
	gone := register(t, m, nil)
	require.NoError(t, gone.Destroy())
	flush(t, m)

	holder := register(t, m, map[string]any{"refs": []Oid{a.Oid(), gone.Oid(), 404, a.Oid()}})
	assert.Equal(t, []Oid{a.Oid()}, holder.OidList("refs"))

	require.NoError(t, a.Destroy())
	flush(t, m)
	flush(t, m)
	onDispatch(t, m, func() {
		assert.Empty(t, holder.OidList("refs"))
	})
}

// Once every destroy (and the cleanup it enqueues) has been processed, no
// live object's oid lists hold a destroyed oid.
func TestDestroy_eventualAbsenceProperty(t *testing.T) {
	const n = 5

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("destroyed oids vanish from every list", prop.ForAll(
		func(ops []int) bool {
			m, err := New()
			if err != nil {
				return false
			}
			done := make(chan error, 1)
			go func() { done <- m.Run(context.Background()) }()
			defer func() {
				m.HarshShutdown()
				<-done
			}()

			objs := make([]*DObject, n)
			for i := range objs {
				objs[i] = NewDObject(nil)
				if _, err := m.RegisterObject(objs[i]); err != nil {
					return false
				}
			}
			for _, v := range ops {
				a, b, kind := objs[v%n], objs[(v/n)%n], v/(n*n)
				switch kind {
				case 0, 1, 2:
					_ = a.AddToOidList("refs", b.Oid())
				case 3:
					_ = a.Destroy()
				default:
					_ = a.RemoveFromOidList("refs", b.Oid())
				}
			}

			wait := func() {
				ch := make(chan struct{})
				_ = m.PostRunnable(func() { close(ch) })
				<-ch
			}
			wait()
			wait()

			ok := true
			ch := make(chan struct{})
			_ = m.PostRunnable(func() {
				defer close(ch)
				for _, obj := range objs {
					if _, live := m.Object(obj.Oid()); !live {
						continue
					}
					for _, ref := range obj.OidList("refs") {
						if _, live := m.Object(ref); !live {
							ok = false
						}
					}
				}
			})
			<-ch
			return ok
		},
		gen.SliceOf(gen.IntRange(0, 5*n*n-1)),
	))

	properties.TestingRun(t)
}
