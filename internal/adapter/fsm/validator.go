package fsm

import (
	"context"
	"errors"

	loopfsm "github.com/looplab/fsm"

	"github.com/cterryc/pyme-sub001/internal/domain"
)

// Compile-time check: Validator implements domain.TransitionValidator.
var _ domain.TransitionValidator = (*Validator)(nil)

// events converts the domain transition table into looplab/fsm EventDesc
// format. There is one event per target status, with every status that may
// move to that target as a source.
var events = buildEvents()

func eventName(target domain.Status) string {
	return "to_" + string(target)
}

func buildEvents() []loopfsm.EventDesc {
	grouped := make(map[domain.Status][]string)
	order := make([]domain.Status, 0)

	for _, src := range domain.AllStatuses() {
		for _, dst := range domain.Targets(src) {
			if _, exists := grouped[dst]; !exists {
				order = append(order, dst)
			}
			grouped[dst] = append(grouped[dst], string(src))
		}
	}

	out := make([]loopfsm.EventDesc, 0, len(order))
	for _, dst := range order {
		out = append(out, loopfsm.EventDesc{
			Name: eventName(dst),
			Src:  grouped[dst],
			Dst:  string(dst),
		})
	}
	return out
}

// Validator implements domain.TransitionValidator using looplab/fsm.
// It creates a short-lived FSM instance per Validate call, initialized with
// the application's current status, because looplab/fsm tracks the current
// state internally.
type Validator struct{}

// New creates a new FSM-backed transition validator.
func New() *Validator {
	return &Validator{}
}

// Validate checks that target is reachable from current and that fields
// satisfy the target's requirements. The table check runs first, so an
// illegal move is reported even when fields are also missing.
func (v *Validator) Validate(ctx context.Context, current, target domain.Status, fields domain.TransitionFields) error {
	machine := loopfsm.NewFSM(string(current), events, loopfsm.Callbacks{
		"before_event": func(_ context.Context, e *loopfsm.Event) {
			if err := domain.CheckRequiredFields(domain.Status(e.Dst), fields); err != nil {
				e.Cancel(err)
			}
		},
	})

	err := machine.Event(ctx, eventName(target))
	if err == nil {
		return nil
	}

	var invalidEvent loopfsm.InvalidEventError
	var unknownEvent loopfsm.UnknownEventError
	var noTransition loopfsm.NoTransitionError
	if errors.As(err, &invalidEvent) || errors.As(err, &unknownEvent) || errors.As(err, &noTransition) {
		return &domain.IllegalTransitionError{From: current, To: target}
	}

	var canceled loopfsm.CanceledError
	if errors.As(err, &canceled) && canceled.Err != nil {
		return canceled.Err
	}
	return err
}
