package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is the state Decide reads: the instance plus the latest status of each step.
type Snapshot struct {
	SagaID             string
	BookingID          string
	State              State
	IsCompensating     bool
	CompensationReason string
	Context            StepContext
	Steps              map[StepName]StepStatus
}

// SnapshotOf builds a Snapshot from stored rows. Steps must be ordered oldest first.
func SnapshotOf(instance *Instance, steps []Step) (Snapshot, error) {
	sc, err := instance.Context()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorruptStepContext, err)
	}
	return Snapshot{
		SagaID:             instance.SagaID,
		BookingID:          instance.BookingID,
		State:              instance.CurrentState,
		IsCompensating:     instance.IsCompensating,
		CompensationReason: instance.CompensationReason,
		Context:            sc,
		Steps:              LatestStatuses(steps),
	}, nil
}

type Transition struct {
	From State
	To   State
}

type StepUpdate struct {
	Step   StepName
	Status StepStatus
}

// Emit is an event the orchestrator appends to the booking outbox.
type Emit struct {
	EventType     string
	AggregateType string
	AggregateID   string
	Payload       map[string]any
}

// Outcome is the booking status a terminal decision implies.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeConfirmed Outcome = "CONFIRMED"
	OutcomeCancelled Outcome = "CANCELLED"
)

// Decision is everything the orchestrator must persist for one inbound event.
type Decision struct {
	Ignored bool
	Reason  string

	State              State
	IsCompensating     bool
	CompensationReason string
	Context            StepContext
	Outcome            Outcome

	Transitions []Transition
	StepUpdates []StepUpdate
	Commands    []Command
	Events      []Emit

	snap Snapshot
	now  time.Time
	err  error
}

func (d *Decision) SagaID() string { return d.snap.SagaID }

func (d *Decision) BookingID() string { return d.snap.BookingID }

// Terminal reports whether the decision ends the saga.
func (d *Decision) Terminal() bool { return d.State.IsTerminal() }

// Decide computes the next saga state for evt without side effects. Events that do
// not apply to the current step are returned with Ignored set.
func Decide(snap Snapshot, evt ResultEvent, now time.Time) (Decision, error) {
	d := Decision{
		State:              snap.State,
		IsCompensating:     snap.IsCompensating,
		CompensationReason: snap.CompensationReason,
		Context:            snap.Context.clone(),
		snap:               snap,
		now:                now,
	}
	if snap.State.IsTerminal() {
		return d.ignore("saga already terminal"), nil
	}
	step, kind, ok := ClassifyResult(evt.EventType)
	if !ok {
		return d.ignore("not a saga result event"), nil
	}

	switch {
	case kind == ResultCancelRequested:
		d.requestCancel(evt)
	case snap.IsCompensating:
		d.whileCompensating(step, kind, evt)
	case kind == ResultSuccess:
		if d.status(step) != StepRunning {
			return d.ignore("step not running"), nil
		}
		d.forwardSuccess(step, evt)
	case kind == ResultFailure:
		if d.status(step) != StepRunning {
			return d.ignore("step not running"), nil
		}
		d.forwardFailure(step, evt)
	default:
		return d.ignore("compensation result outside compensation"), nil
	}

	if d.err != nil {
		return d, d.err
	}
	if d.IsCompensating && d.State == StateBookingCompleted {
		return d, ErrCompensationInvariant
	}
	return d, nil
}

// Start plans a new saga for sc.BookingType and issues the first forward command.
func Start(sagaID, bookingID string, sc StepContext, now time.Time) (Decision, error) {
	plan, err := PlanFor(sc.BookingType)
	if err != nil {
		return Decision{}, err
	}
	sc.Plan = plan
	d := Decision{
		State:   StateBookingInitiated,
		Context: sc.clone(),
		snap: Snapshot{
			SagaID:    sagaID,
			BookingID: bookingID,
			Steps:     map[StepName]StepStatus{},
		},
		now: now,
	}
	d.Transitions = append(d.Transitions, Transition{To: StateBookingInitiated})
	d.emit(EventSagaStarted, AggregateSaga, map[string]any{"bookingType": string(sc.BookingType)})
	d.startStep(plan[0])
	if d.err != nil {
		return d, d.err
	}
	return d, nil
}

func (d *Decision) ignore(reason string) Decision {
	d.Ignored = true
	d.Reason = reason
	return *d
}

// status returns the effective status of step, including updates made by this decision.
func (d *Decision) status(step StepName) StepStatus {
	for i := len(d.StepUpdates) - 1; i >= 0; i-- {
		if d.StepUpdates[i].Step == step {
			return d.StepUpdates[i].Status
		}
	}
	if s, ok := d.snap.Steps[step]; ok {
		return s
	}
	return StepPending
}

func (d *Decision) setStep(step StepName, status StepStatus) {
	d.StepUpdates = append(d.StepUpdates, StepUpdate{Step: step, Status: status})
}

func (d *Decision) transition(to State) {
	if d.err != nil {
		return
	}
	if !d.State.CanTransitionTo(to) {
		d.err = fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.State, to)
		return
	}
	d.Transitions = append(d.Transitions, Transition{From: d.State, To: to})
	d.State = to
}

func (d *Decision) command(action Action, payload any, compensation bool) {
	body, err := json.Marshal(payload)
	if err != nil {
		d.err = err
		return
	}
	cmd := Command{
		SagaID:    d.snap.SagaID,
		BookingID: d.snap.BookingID,
		Action:    action,
		Payload:   body,
		IssuedAt:  d.now.UTC(),
	}
	if compensation {
		cmd.Metadata = map[string]string{MetadataIsCompensation: "true"}
	}
	d.Commands = append(d.Commands, cmd)
}

func (d *Decision) emit(eventType, aggregateType string, extra map[string]any) {
	aggregateID := d.snap.SagaID
	if aggregateType == AggregateBooking {
		aggregateID = d.snap.BookingID
	}
	payload := map[string]any{
		"sagaId":    d.snap.SagaID,
		"bookingId": d.snap.BookingID,
		"state":     string(d.State),
	}
	for k, v := range extra {
		payload[k] = v
	}
	d.Events = append(d.Events, Emit{
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       payload,
	})
}

// startStep marks step running and issues its forward command.
func (d *Decision) startStep(step StepName) {
	d.setStep(step, StepRunning)
	sc := d.Context
	if step == StepPayment {
		d.command(ActionProcessPayment, PaymentCommand{
			CustomerID: sc.CustomerID,
			Amount:     sc.TotalAmount,
			Currency:   sc.Currency,
		}, false)
		return
	}
	cmd := ReservationCommand{Quantity: 1}
	if details := sc.Details(step); details != nil {
		cmd.ResourceID = details.ResourceID
		if details.Quantity > 0 {
			cmd.Quantity = details.Quantity
		}
	}
	d.command(ForwardAction(step), cmd, false)
}

func (d *Decision) nextStep(after StepName) (StepName, bool) {
	plan := d.Context.Plan
	for i, s := range plan {
		if s == after && i+1 < len(plan) {
			return plan[i+1], true
		}
	}
	return "", false
}

func (d *Decision) forwardSuccess(step StepName, evt ResultEvent) {
	d.setStep(step, StepCompleted)

	if step == StepPayment {
		d.Context.PaymentReference = evt.Reference
		d.complete()
		return
	}

	next, ok := d.nextStep(step)
	if !ok || next == StepPayment {
		d.transition(StateInventoryReserved)
		d.transition(StatePaymentProcessing)
		d.startStep(StepPayment)
		return
	}
	d.startStep(next)
}

func (d *Decision) complete() {
	d.transition(StateBookingCompleted)
	d.Context.ConfirmationNumber = fmt.Sprintf("CNF-%d", d.now.UnixMilli())
	d.Outcome = OutcomeConfirmed
	extra := map[string]any{"confirmationNumber": d.Context.ConfirmationNumber}
	d.emit(EventSagaCompleted, AggregateSaga, extra)
	d.emit(EventBookingConfirmed, AggregateBooking, extra)
	d.command(ActionSendNotification, NotificationCommand{
		CustomerID:         d.Context.CustomerID,
		Channel:            ChannelEmail,
		Template:           TemplateBookingConfirmed,
		ConfirmationNumber: d.Context.ConfirmationNumber,
	}, false)
}

func (d *Decision) forwardFailure(step StepName, evt ResultEvent) {
	d.setStep(step, StepFailed)
	if step.IsInventory() {
		d.transition(StateInventoryFailed)
	} else {
		d.transition(StatePaymentFailed)
	}

	reason := fmt.Sprintf("%s failed", step)
	if evt.Reason != "" {
		reason = fmt.Sprintf("%s failed: %s", step, evt.Reason)
	}

	completed := d.completedReversed()
	if len(completed) == 0 {
		d.transition(StateBookingCancelled)
		d.Outcome = OutcomeCancelled
		extra := map[string]any{"reason": reason}
		d.emit(EventSagaFailed, AggregateSaga, extra)
		d.emit(EventBookingCancelled, AggregateBooking, extra)
		return
	}

	d.beginCompensation(reason, completed)
}

// completedReversed lists completed steps, most recent first.
func (d *Decision) completedReversed() []StepName {
	var out []StepName
	plan := d.Context.Plan
	for i := len(plan) - 1; i >= 0; i-- {
		if d.status(plan[i]) == StepCompleted {
			out = append(out, plan[i])
		}
	}
	return out
}

func (d *Decision) beginCompensation(reason string, queue []StepName) {
	d.IsCompensating = true
	d.CompensationReason = reason
	d.Context.PendingCompensation = queue
	d.Context.CompensationInFlight = ""
	d.advanceCompensation()
}

// advanceCompensation issues the next queued compensation, or cancels the saga when
// nothing is left to undo.
func (d *Decision) advanceCompensation() {
	if d.Context.CompensationInFlight != "" {
		return
	}
	if len(d.Context.PendingCompensation) == 0 {
		d.finishCompensation()
		return
	}
	step := d.Context.PendingCompensation[0]
	d.Context.PendingCompensation = d.Context.PendingCompensation[1:]
	d.Context.CompensationInFlight = step

	action := CompensationAction(step, d.status(step))
	if step == StepPayment {
		d.command(action, PaymentCommand{
			CustomerID: d.Context.CustomerID,
			Amount:     d.Context.TotalAmount,
			Currency:   d.Context.Currency,
			Reference:  d.Context.PaymentReference,
		}, true)
		return
	}
	cmd := ReservationCommand{Quantity: 1}
	if details := d.Context.Details(step); details != nil {
		cmd.ResourceID = details.ResourceID
		if details.Quantity > 0 {
			cmd.Quantity = details.Quantity
		}
	}
	d.command(action, cmd, true)
}

func (d *Decision) finishCompensation() {
	d.transition(StateBookingCancelled)
	d.Outcome = OutcomeCancelled
	d.Context.InterruptedStep = ""
	extra := map[string]any{"reason": d.CompensationReason}
	d.emit(EventSagaCompensated, AggregateSaga, extra)
	d.emit(EventBookingCancelled, AggregateBooking, extra)
	d.command(ActionSendNotification, NotificationCommand{
		CustomerID: d.Context.CustomerID,
		Channel:    ChannelEmail,
		Template:   TemplateBookingCancelled,
		Reason:     d.CompensationReason,
	}, false)
}

func (d *Decision) requestCancel(evt ResultEvent) {
	if d.IsCompensating {
		d.Ignored = true
		d.Reason = "already compensating"
		return
	}
	reason := "cancellation requested"
	if evt.Reason != "" {
		reason = evt.Reason
	}
	d.Context.CancelRequested = true

	var queue []StepName
	plan := d.Context.Plan
	for i := len(plan) - 1; i >= 0; i-- {
		switch d.status(plan[i]) {
		case StepRunning:
			d.Context.InterruptedStep = plan[i]
			queue = append(queue, plan[i])
		case StepCompleted:
			queue = append(queue, plan[i])
		}
	}
	d.beginCompensation(reason, queue)
}

func (d *Decision) whileCompensating(step StepName, kind ResultKind, evt ResultEvent) {
	interrupted := d.Context.InterruptedStep == step && d.status(step) == StepRunning

	switch kind {
	case ResultCompensated:
		if d.Context.CompensationInFlight != step {
			d.Ignored = true
			d.Reason = "unexpected compensation result"
			return
		}
		if s := d.status(step); s == StepCompleted || s == StepRunning {
			d.setStep(step, StepCompensated)
		}
		d.Context.CompensationInFlight = ""
		if d.Context.InterruptedStep == step {
			d.Context.InterruptedStep = ""
		}
		d.advanceCompensation()

	case ResultSuccess:
		if !interrupted {
			d.Ignored = true
			d.Reason = "forward result while compensating"
			return
		}
		d.setStep(step, StepCompleted)
		if step == StepPayment {
			d.Context.PaymentReference = evt.Reference
		}

	case ResultFailure:
		if !interrupted {
			d.Ignored = true
			d.Reason = "forward result while compensating"
			return
		}
		d.setStep(step, StepFailed)
		d.Context.InterruptedStep = ""
		d.Context.PendingCompensation = without(d.Context.PendingCompensation, step)
		d.advanceCompensation()
	}
}

func without(steps []StepName, drop StepName) []StepName {
	out := steps[:0:0]
	for _, s := range steps {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}
