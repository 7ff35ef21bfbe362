// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "testing"

func TestTransition(t *testing.T) {
	tests := []struct {
		role  Role
		from  State
		event Event
		want  State
		ok    bool
	}{
		{Host, StateIdle, EventStart, StateAwaitingTransport, true},
		{Joiner, StateIdle, EventStart, StateAwaitingTransport, true},
		{Host, StateAwaitingTransport, EventStart, StateAwaitingTransport, false},

		{Host, StateAwaitingTransport, EventOfferVerified, StateAwaitingAdmission, true},
		{Host, StateAwaitingAdmission, EventOfferVerified, StateAwaitingAdmission, true},
		{Joiner, StateAwaitingTransport, EventOfferVerified, StateAwaitingTransport, false},

		{Host, StateAwaitingAdmission, EventAdmitted, StateAwaitingTransport, true},
		{Host, StateAwaitingAdmission, EventReviewsSettled, StateAwaitingTransport, true},
		{Host, StateReady, EventReviewsSettled, StateReady, false},

		{Joiner, StateAwaitingTransport, EventDenied, StateClosed, true},
		{Host, StateAwaitingTransport, EventDenied, StateAwaitingTransport, false},
		{Joiner, StateReady, EventDenied, StateReady, false},

		{Joiner, StateAwaitingTransport, EventChannelOpen, StateAwaitingKeyExchange, true},
		{Host, StateAwaitingAdmission, EventChannelOpen, StateAwaitingKeyExchange, true},
		{Host, StateIdle, EventChannelOpen, StateIdle, false},

		{Host, StateAwaitingKeyExchange, EventKeyDerived, StateReady, true},
		{Joiner, StateAwaitingTransport, EventKeyDerived, StateAwaitingTransport, false},

		{Host, StateReady, EventRekey, StateAwaitingKeyExchange, true},
		{Joiner, StateAwaitingKeyExchange, EventRekey, StateAwaitingKeyExchange, true},
		{Joiner, StateAwaitingTransport, EventRekey, StateAwaitingTransport, false},

		{Host, StateReady, EventChannelClosed, StateClosed, true},
		{Joiner, StateAwaitingKeyExchange, EventChannelClosed, StateClosed, true},
		{Joiner, StateAwaitingTransport, EventChannelClosed, StateAwaitingTransport, false},

		{Joiner, StateAwaitingTransport, EventTimeout, StateClosed, true},
		{Host, StateAwaitingKeyExchange, EventTimeout, StateClosed, true},
		{Host, StateIdle, EventTimeout, StateIdle, false},

		{Host, StateIdle, EventClose, StateClosed, true},
		{Joiner, StateReady, EventClose, StateClosed, true},
	}
	for _, test := range tests {
		name := test.role.String() + "/" + test.from.String() + "/" + test.event.String()
		t.Run(name, func(t *testing.T) {
			got, ok := Transition(test.role, test.from, test.event)
			if got != test.want || ok != test.ok {
				t.Errorf("Transition = (%v, %v), want (%v, %v)", got, ok, test.want, test.ok)
			}
		})
	}
}

func TestTransition_ClosedIsTerminal(t *testing.T) {
	for _, role := range []Role{Host, Joiner} {
		for event := EventStart; event <= EventClose; event++ {
			got, ok := Transition(role, StateClosed, event)
			if ok || got != StateClosed {
				t.Errorf("%v: Transition(closed, %v) = (%v, %v), want (closed, false)", role, event, got, ok)
			}
		}
	}
}

func TestStateAndEventStrings(t *testing.T) {
	for state := StateIdle; state <= StateClosed; state++ {
		if state.String() == "" || state.String()[0] == 'S' {
			t.Errorf("State(%d) has no name: %q", int(state), state.String())
		}
	}
	for event := EventStart; event <= EventClose; event++ {
		if event.String()[0] == 'E' {
			t.Errorf("Event(%d) has no name: %q", int(event), event.String())
		}
	}
	if got := State(99).String(); got != "State(99)" {
		t.Errorf("unknown state = %q", got)
	}
}
