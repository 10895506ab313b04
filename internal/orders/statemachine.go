package orders

import (
	"fmt"
	"time"
)

// InvalidTransitionError is returned when a (from, to) pair is absent from
// the transition table. There is no silent no-op path.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// TransitionDeniedError is returned when the pair exists in the table but the
// actor role, service type, or a business guard rejects it.
type TransitionDeniedError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionDeniedError) Error() string {
	return fmt.Sprintf("transition %s -> %s denied: %s", e.From, e.To, e.Reason)
}

// Evaluator gates cancellation and reschedule transitions. Implemented by the
// policy engine; declared here so the machine stays free of a policy import.
type Evaluator interface {
	CanCancel(o *Order, now time.Time) (bool, string)
	CanReschedule(o *Order, now time.Time) (bool, string)
}

type guardFunc func(m *Machine, o *Order, actor Actor, now time.Time) error

type rule struct {
	services map[ServiceType]bool // nil means any service type
	roles    map[Role]bool        // nil means any role
	guard    guardFunc
}

// Machine holds the transition table. Guards are pure functions of
// (order, actor, now); nothing is read from ambient state.
type Machine struct {
	eval  Evaluator
	rules map[Status]map[Status]rule
}

// NewMachine builds the authoritative transition table. eval supplies the
// cancellation/reschedule guards.
func NewMachine(eval Evaluator) *Machine {
	m := &Machine{eval: eval}
	m.rules = map[Status]map[Status]rule{
		StatusDraft: {
			StatusAwaitingFulfillment: {roles: roleSet(RoleSaga)},
			StatusFailedVoid:          {roles: roleSet(RoleSaga)},
		},
		StatusAwaitingFulfillment: {
			StatusInProgress: {roles: roleSet(RolePartner, RoleAdmin)},
			// Reschedule: same state, new window. For on-site the window
			// moves on the same order; for pickup/delivery the caller
			// creates a linked successor and cancels the original.
			StatusAwaitingFulfillment: {roles: roleSet(RoleCustomer, RoleAdmin), guard: guardReschedule},
			StatusCanceled:            {roles: roleSet(RoleCustomer, RoleAdmin, RoleSaga), guard: guardCancel},
		},
		StatusInProgress: {
			StatusQuoted:   {services: serviceSet(ServicePickupDelivery), roles: roleSet(RolePartner, RoleAdmin)},
			StatusPaid:     {services: serviceSet(ServiceOnSite), roles: roleSet(RoleAdmin, RoleSaga)},
			StatusCanceled: {roles: roleSet(RoleCustomer, RoleAdmin), guard: guardCancel},
		},
		StatusQuoted: {
			// An untrusted actor's quote cannot auto-charge; it parks for review.
			StatusPendingApproval: {roles: roleSet(RolePartner)},
			StatusPaid:            {roles: roleSet(RoleAdmin, RoleSaga)},
			StatusCanceled:        {roles: roleSet(RoleCustomer, RoleAdmin), guard: guardCancel},
		},
		StatusPendingApproval: {
			StatusPaid:     {roles: roleSet(RoleAdmin, RoleSaga)},
			StatusCanceled: {roles: roleSet(RoleCustomer, RoleAdmin), guard: guardCancel},
		},
		StatusPaid: {
			StatusCompleted: {roles: roleSet(RolePartner, RoleAdmin)},
		},
	}
	return m
}

func roleSet(roles ...Role) map[Role]bool {
	s := make(map[Role]bool, len(roles))
	for _, r := range roles {
		s[r] = true
	}
	return s
}

func serviceSet(types ...ServiceType) map[ServiceType]bool {
	s := make(map[ServiceType]bool, len(types))
	for _, t := range types {
		s[t] = true
	}
	return s
}

func guardCancel(m *Machine, o *Order, actor Actor, now time.Time) error {
	// The internal role cancels an awaiting order only as the back half of a
	// reschedule, so the reschedule guard governs it, not the cancel guard:
	// a policy may block cancellation while still permitting reschedules.
	if actor.Role == RoleSaga {
		ok, reason := m.eval.CanReschedule(o, now)
		if !ok {
			return &TransitionDeniedError{From: o.Status, To: StatusCanceled, Reason: reason}
		}
		return nil
	}
	ok, reason := m.eval.CanCancel(o, now)
	if !ok {
		return &TransitionDeniedError{From: o.Status, To: StatusCanceled, Reason: reason}
	}
	return nil
}

func guardReschedule(m *Machine, o *Order, _ Actor, now time.Time) error {
	ok, reason := m.eval.CanReschedule(o, now)
	if !ok {
		return &TransitionDeniedError{From: o.Status, To: o.Status, Reason: reason}
	}
	return nil
}

// Authorize checks whether the transition is legal for this order and actor
// without applying it. Charge-triggering callers use this before contacting
// the payment processor.
func (m *Machine) Authorize(o *Order, to Status, actor Actor, now time.Time) error {
	targets, ok := m.rules[o.Status]
	if !ok {
		return &InvalidTransitionError{From: o.Status, To: to}
	}
	r, ok := targets[to]
	if !ok {
		return &InvalidTransitionError{From: o.Status, To: to}
	}
	if r.services != nil && !r.services[o.ServiceType] {
		return &TransitionDeniedError{From: o.Status, To: to, Reason: fmt.Sprintf("not allowed for service type %s", o.ServiceType)}
	}
	if r.roles != nil && !r.roles[actor.Role] {
		return &TransitionDeniedError{From: o.Status, To: to, Reason: fmt.Sprintf("role %s not permitted", actor.Role)}
	}
	if r.guard != nil {
		if err := r.guard(m, o, actor, now); err != nil {
			return err
		}
	}
	return nil
}

// Transition authorizes and applies the transition in memory: status change
// plus an appended history event. Persisting the mutated order (with the
// optimistic version check) is the store's job.
func (m *Machine) Transition(o *Order, to Status, actor Actor, reason string, now time.Time) error {
	if err := m.Authorize(o, to, actor, now); err != nil {
		return err
	}
	from := o.Status
	o.Status = to
	o.LastActorID = actor.ID
	o.LastActorRole = actor.Role
	o.UpdatedAt = now
	o.History = append(o.History, HistoryEvent{
		From:    from,
		To:      to,
		ActorID: actor.ID,
		Role:    actor.Role,
		Reason:  reason,
		At:      now,
	})
	return nil
}
