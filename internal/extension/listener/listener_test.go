package listener

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/tidysave/internal/extension/sink"
	"github.com/dshills/tidysave/internal/host"
)

type memDoc struct {
	path, text string
}

func (d *memDoc) Path() string        { return d.path }
func (d *memDoc) Text() string        { return d.text }
func (d *memDoc) SetText(text string) { d.text = text }

// fakeTable records subscriptions and saves synchronously.
type fakeTable struct {
	before map[host.Handle]func(host.SaveEvent)
	after  map[host.Handle]func(host.SaveEvent)
	order  []host.Handle
	n      int
}

func newFakeTable() *fakeTable {
	return &fakeTable{
		before: make(map[host.Handle]func(host.SaveEvent)),
		after:  make(map[host.Handle]func(host.SaveEvent)),
	}
}

func (f *fakeTable) handle() host.Handle {
	f.n++
	h := host.Handle(string(rune('0' + f.n)))
	f.order = append(f.order, h)
	return h
}

func (f *fakeTable) SubscribeBeforeSave(fn func(host.SaveEvent)) host.Handle {
	h := f.handle()
	f.before[h] = fn
	return h
}

func (f *fakeTable) SubscribeAfterSave(fn func(host.SaveEvent)) host.Handle {
	h := f.handle()
	f.after[h] = fn
	return h
}

func (f *fakeTable) Unsubscribe(h host.Handle) bool {
	if _, ok := f.before[h]; ok {
		delete(f.before, h)
		return true
	}
	if _, ok := f.after[h]; ok {
		delete(f.after, h)
		return true
	}
	return false
}

func (f *fakeTable) Active() host.Document { return nil }

// save mimics the host: before handlers, persist, after handlers.
func (f *fakeTable) save(doc host.Document, reason host.SaveReason, persist func(string)) {
	ev := host.SaveEvent{Ctx: context.Background(), Document: doc, Save: host.SaveContext{Reason: reason}}
	for _, h := range f.order {
		if fn, ok := f.before[h]; ok {
			fn(ev)
		}
	}
	persist(doc.Text())
	for _, h := range f.order {
		if fn, ok := f.after[h]; ok {
			fn(ev)
		}
	}
}

func TestHandlersRunInOrderBeforePersist(t *testing.T) {
	table := newFakeTable()
	var order []string

	New(table, nil,
		OnBeforeSave("first", func(_ context.Context, doc host.Document, _ host.SaveContext) error {
			order = append(order, "first")
			doc.SetText(doc.Text() + "1")
			return nil
		}),
		OnBeforeSave("second", func(_ context.Context, doc host.Document, _ host.SaveContext) error {
			order = append(order, "second")
			doc.SetText(doc.Text() + "2")
			return nil
		}),
		OnAfterSave("after", func(context.Context, host.Document, host.SaveContext) error {
			order = append(order, "after")
			return nil
		}),
	)

	doc := &memDoc{path: "a", text: "x"}
	var persisted string
	table.save(doc, host.SaveExplicit, func(text string) {
		order = append(order, "persist")
		persisted = text
	})

	assert.Equal(t, []string{"first", "second", "persist", "after"}, order)
	assert.Equal(t, "x12", persisted)
}

func TestFailingHandlerDoesNotBlockChain(t *testing.T) {
	table := newFakeTable()
	s := sink.New(nil)
	ran := false

	New(table, s,
		OnBeforeSave("panics", func(context.Context, host.Document, host.SaveContext) error {
			panic("boom")
		}),
		OnBeforeSave("fails", func(context.Context, host.Document, host.SaveContext) error {
			return errors.New("nope")
		}),
		OnBeforeSave("runs", func(context.Context, host.Document, host.SaveContext) error {
			ran = true
			return nil
		}),
	)

	persisted := false
	assert.NotPanics(t, func() {
		table.save(&memDoc{}, host.SaveExplicit, func(string) { persisted = true })
	})

	assert.True(t, ran)
	assert.True(t, persisted)
	assert.Equal(t, int64(2), s.Faults())
}

func TestPanickingHandlerObservedOnce(t *testing.T) {
	table := newFakeTable()
	s := sink.New(nil)

	New(table, s, OnBeforeSave("panics", func(context.Context, host.Document, host.SaveContext) error {
		panic("boom")
	}))

	table.save(&memDoc{}, host.SaveExplicit, func(string) {})
	assert.Equal(t, int64(1), s.Faults())
}

func TestSaveContextPassedThrough(t *testing.T) {
	table := newFakeTable()
	var got []host.SaveReason

	New(table, nil, OnBeforeSave("x", func(_ context.Context, _ host.Document, sc host.SaveContext) error {
		got = append(got, sc.Reason)
		return nil
	}))

	table.save(&memDoc{}, host.SaveAuto, func(string) {})
	table.save(&memDoc{}, host.SaveExplicit, func(string) {})
	assert.Equal(t, []host.SaveReason{host.SaveAuto, host.SaveExplicit}, got)
}

func TestDispose(t *testing.T) {
	table := newFakeTable()
	calls := 0

	l := New(table, nil,
		OnBeforeSave("x", func(context.Context, host.Document, host.SaveContext) error {
			calls++
			return nil
		}),
		OnAfterSave("y", func(context.Context, host.Document, host.SaveContext) error {
			return nil
		}),
	)
	require.Len(t, table.before, 1)
	require.Len(t, table.after, 1)

	l.Dispose()
	l.Dispose()

	assert.True(t, l.Disposed())
	assert.Empty(t, table.before)
	assert.Empty(t, table.after)

	table.save(&memDoc{}, host.SaveExplicit, func(string) {})
	assert.Zero(t, calls)
}

func TestDisposedDropsInFlightDelivery(t *testing.T) {
	table := newFakeTable()
	calls := 0

	var l *Listener
	l = New(table, nil,
		OnBeforeSave("disposes", func(context.Context, host.Document, host.SaveContext) error {
			calls++
			l.Dispose()
			return nil
		}),
		OnBeforeSave("skipped", func(context.Context, host.Document, host.SaveContext) error {
			calls++
			return nil
		}),
	)

	table.save(&memDoc{}, host.SaveExplicit, func(string) {})
	assert.Equal(t, 1, calls)
}

func TestNoAfterSubscriptionWithoutHandlers(t *testing.T) {
	table := newFakeTable()
	New(table, nil)
	assert.Len(t, table.before, 1)
	assert.Empty(t, table.after)
}

// brokenAfterTable panics when asked for an after-save subscription.
type brokenAfterTable struct {
	*fakeTable
}

func (b brokenAfterTable) SubscribeAfterSave(func(host.SaveEvent)) host.Handle {
	panic("after-save table gone")
}

func TestPanickingTableLeavesNoSubscription(t *testing.T) {
	table := brokenAfterTable{newFakeTable()}
	noop := func(context.Context, host.Document, host.SaveContext) error { return nil }

	assert.PanicsWithValue(t, "after-save table gone", func() {
		New(table, sink.New(nil), OnBeforeSave("a", noop), OnAfterSave("b", noop))
	})
	assert.Empty(t, table.before, "before-save subscription leaked")
}
