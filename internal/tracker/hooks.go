package tracker

import "time"

// Hooks are optional callbacks for instrumentation. Nil fields are skipped.
type Hooks struct {
	OnTick        func(rep TickReport, duration time.Duration)
	OnEvent       func(ev Event)
	OnPublishErr  func(ev Event)
	OnPolicyError func(r *Request)
	OnTransition  func(from, to Status)
	OnCreate      func(r *Request)
}

func (h Hooks) tick(rep TickReport, d time.Duration) {
	if h.OnTick != nil {
		h.OnTick(rep, d)
	}
}

func (h Hooks) event(ev Event) {
	if h.OnEvent != nil {
		h.OnEvent(ev)
	}
}

func (h Hooks) publishErr(ev Event) {
	if h.OnPublishErr != nil {
		h.OnPublishErr(ev)
	}
}

func (h Hooks) policyError(r *Request) {
	if h.OnPolicyError != nil {
		h.OnPolicyError(r)
	}
}

func (h Hooks) transition(from, to Status) {
	if h.OnTransition != nil {
		h.OnTransition(from, to)
	}
}

func (h Hooks) create(r *Request) {
	if h.OnCreate != nil {
		h.OnCreate(r)
	}
}
