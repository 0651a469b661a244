package invoicesync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouterPrefixMatching(t *testing.T) {
	r := NewRouter(nil)
	var got []string
	record := func(name string) FrameHandler {
		return func(topic string, _ json.RawMessage) { got = append(got, name+"<"+topic) }
	}
	r.Subscribe("invoices:", record("inv"))
	r.Subscribe("invoices:paid", record("paid"))
	r.Subscribe("customers:", record("cust"))

	assert.Equal(t, 2, r.Dispatch(Frame{Type: "invoices:paid"}))
	assert.Equal(t, 1, r.Dispatch(Frame{Type: "invoices:created"}))
	assert.Equal(t, 0, r.Dispatch(Frame{Type: "orders:created"}))
	assert.Equal(t, 0, r.Dispatch(Frame{Type: "invoices"}))

	assert.Equal(t, []string{"inv<invoices:paid", "paid<invoices:paid", "inv<invoices:created"}, got)
}

func TestRouterUnsubscribe(t *testing.T) {
	r := NewRouter(nil)
	calls := 0
	unsub := r.Subscribe("orders:", func(string, json.RawMessage) { calls++ })
	r.Subscribe("orders:", func(string, json.RawMessage) {})
	assert.Equal(t, 2, r.Len())

	unsub()
	unsub()
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, r.Dispatch(Frame{Type: "orders:x"}))
	assert.Zero(t, calls)
}

func TestRouterRecoversHandlerPanic(t *testing.T) {
	r := NewRouter(nil)
	var payload string
	r.Subscribe("settings:", func(string, json.RawMessage) { panic("boom") })
	r.Subscribe("settings:", func(_ string, p json.RawMessage) { payload = string(p) })

	assert.NotPanics(t, func() {
		r.Dispatch(Frame{Type: "settings:changed", Payload: json.RawMessage(`{"id":"main"}`)})
	})
	assert.Equal(t, `{"id":"main"}`, payload)
}
