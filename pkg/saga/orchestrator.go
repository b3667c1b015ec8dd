// Package saga drives the order-fulfillment workflow: it consumes facts,
// advances or compensates each order's saga and emits commands through the
// saga store's outbox.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-fulfillment/pkg/broker"
	"github.com/zoff-tech/go-fulfillment/pkg/config"
	"github.com/zoff-tech/go-fulfillment/pkg/locker"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
	"github.com/zoff-tech/go-fulfillment/pkg/telemetry"
	"github.com/zoff-tech/go-fulfillment/schema"
)

// Outcome reports what Apply did with an event.
type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

type Options struct {
	StepTimeout   time.Duration
	SweepInterval time.Duration
	IDs           schema.IDGenerator
	Locker        locker.Locker
	Now           func() time.Time
}

// OptionsFrom maps the saga configuration section onto Options.
func OptionsFrom(cfg config.SagaSettings) Options {
	return Options{
		StepTimeout:   cfg.StepTimeout,
		SweepInterval: cfg.SweepInterval,
	}
}

func (o *Options) applyDefaults() {
	if o.StepTimeout <= 0 {
		o.StepTimeout = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Second
	}
	if o.IDs == nil {
		o.IDs = schema.UUIDGenerator{}
	}
	if o.Locker == nil {
		o.Locker = locker.NewStriped(0)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Orchestrator struct {
	store     Store
	opts      Options
	deadlines *deadlines
	tracer    trace.Tracer
	logger    *zap.Logger
}

func NewOrchestrator(store Store, opts Options, logger *zap.Logger) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		store:     store,
		opts:      opts,
		deadlines: newDeadlines(),
		tracer:    otel.Tracer(telemetry.InstrumentationName),
		logger:    logging.OrNop(logger),
	}
}

// OnEvent applies env and drops events that match no transition. Only
// persistence failures are returned, so the transport redelivers them.
func (o *Orchestrator) OnEvent(ctx context.Context, env schema.Envelope) error {
	outcome, err := o.Apply(ctx, env)
	switch {
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidPayload):
		logging.WithTrace(ctx, o.logger).Warn("Dropping saga event",
			zap.String("saga_id", env.CorrelationID),
			zap.String("event_id", env.EventID),
			zap.String("event_type", env.EventType),
			zap.Error(err))
		return nil
	case err != nil:
		return err
	case outcome == OutcomeDuplicate:
		o.logger.Debug("Duplicate saga event ignored",
			zap.String("saga_id", env.CorrelationID),
			zap.String("event_id", env.EventID))
	}
	return nil
}

// Apply runs env through the state machine while holding the saga's lock. A
// version conflict is retried once against freshly loaded state.
func (o *Orchestrator) Apply(ctx context.Context, env schema.Envelope) (Outcome, error) {
	if err := env.Validate(); err != nil {
		return OutcomeRejected, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	ctx, span := o.tracer.Start(ctx, "ApplySagaEvent", trace.WithAttributes(
		attribute.String("saga.id", env.CorrelationID),
		attribute.String("event.id", env.EventID),
		attribute.String("event.type", env.EventType),
	))
	defer span.End()

	outcome := OutcomeRejected
	err := o.opts.Locker.WithLock(ctx, env.CorrelationID, func(ctx context.Context) error {
		var err error
		outcome, err = o.apply(ctx, env)
		if errors.Is(err, ErrVersionConflict) {
			o.logger.Info("Saga changed concurrently, re-applying event",
				zap.String("saga_id", env.CorrelationID),
				zap.String("event_id", env.EventID))
			outcome, err = o.apply(ctx, env)
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("saga.outcome", string(outcome)))
	return outcome, err
}

func (o *Orchestrator) apply(ctx context.Context, env schema.Envelope) (Outcome, error) {
	inst, err := o.store.Load(ctx, env.CorrelationID)
	if errors.Is(err, ErrSagaNotFound) {
		if env.Type() != schema.OrderCreated {
			return OutcomeRejected, fmt.Errorf("%w: no saga %s for %s", ErrInvalidTransition, env.CorrelationID, env.EventType)
		}
		return o.begin(ctx, env)
	}
	if err != nil {
		return OutcomeRejected, fmt.Errorf("load saga %s: %w", env.CorrelationID, err)
	}

	if inst.Seen(env.EventID) {
		return OutcomeDuplicate, nil
	}
	if inst.Status.Terminal() {
		o.deadlines.clear(inst.SagaID)
		return OutcomeRejected, fmt.Errorf("%w: saga %s is %s", ErrInvalidTransition, inst.SagaID, inst.Status)
	}
	if err := sameOrder(inst, env); err != nil {
		return OutcomeRejected, err
	}

	if env.Type() == schema.SagaTimeout {
		// another event may have advanced the saga since the deadline was armed
		if due := o.deadlineOf(inst); env.OccurredAt.Before(due) {
			o.deadlines.arm(inst.SagaID, inst.OrderID, due)
			return OutcomeRejected, nil
		}
	}

	t, err := lookup(inst.CurrentStep, env.Type())
	if err != nil {
		return OutcomeRejected, err
	}

	next := inst.Clone()
	if err := absorb(&next.Facts, env, inst.CurrentStep); err != nil {
		return OutcomeRejected, err
	}

	now := o.opts.Now().UTC()
	next.CurrentStep = t.next
	next.Status = t.status
	next.Version = inst.Version + 1
	next.UpdatedAt = now
	next.record(t.next, entryOutcome(t), env, now)

	commands, err := o.commands(next, t.commands, now)
	if err != nil {
		return OutcomeRejected, err
	}
	if err := o.store.Save(ctx, next, inst.Version, commands); err != nil {
		return OutcomeRejected, err
	}
	o.afterSave(next)
	o.logTransition(ctx, inst.CurrentStep, next, env, len(commands))

	if t.compensate {
		return OutcomeAdvanced, o.finishCompensation(ctx, next, env)
	}
	return OutcomeAdvanced, nil
}

// sameOrder rejects an event whose payload names another order than the
// saga it is correlated with.
func sameOrder(inst *Instance, env schema.Envelope) error {
	orderID, err := schema.OrderIDOf(env)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidPayload, env.EventID, err)
	}
	if orderID != "" && orderID != inst.OrderID {
		return fmt.Errorf("%w: %s is for order %s, saga %s runs order %s",
			ErrInvalidPayload, env.EventID, orderID, inst.SagaID, inst.OrderID)
	}
	return nil
}

func entryOutcome(t transition) string {
	switch {
	case t.compensate:
		return EntryCompensating
	case t.status == StatusCompleted:
		return EntryCompleted
	case t.status == StatusFailed:
		return EntryFailed
	default:
		return EntryAdvanced
	}
}

// begin creates the saga for an order.created event.
func (o *Orchestrator) begin(ctx context.Context, env schema.Envelope) (Outcome, error) {
	var payload schema.OrderCreatedPayload
	if err := env.Decode(&payload); err != nil {
		return OutcomeRejected, fmt.Errorf("%w: %s: %w", ErrInvalidPayload, env.EventID, err)
	}
	orderID := payload.OrderID
	if orderID == "" {
		orderID = env.AggregateID
	}

	now := o.opts.Now().UTC()
	inst := &Instance{
		SagaID:      env.CorrelationID,
		OrderID:     orderID,
		CurrentStep: start.next,
		Status:      start.status,
		Version:     1,
		Facts: Facts{
			CustomerID: payload.CustomerID,
			Items:      payload.Items,
			Amount:     payload.Total,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	inst.record(start.next, EntryAdvanced, env, now)

	commands, err := o.commands(inst, start.commands, now)
	if err != nil {
		return OutcomeRejected, err
	}
	if err := o.store.Save(ctx, inst, 0, commands); err != nil {
		return OutcomeRejected, err
	}
	o.afterSave(inst)
	o.logTransition(ctx, "", inst, env, len(commands))
	return OutcomeAdvanced, nil
}

// finishCompensation is the second write of a compensation: the commands were
// committed with COMPENSATING, this moves the saga to FAILED. When it fails
// the saga rests in COMPENSATING until the sweep finishes it.
func (o *Orchestrator) finishCompensation(ctx context.Context, inst *Instance, env schema.Envelope) error {
	final := inst.Clone()
	now := o.opts.Now().UTC()
	final.CurrentStep = StepFailed
	final.Status = StatusFailed
	final.Version = inst.Version + 1
	final.UpdatedAt = now
	final.record(StepFailed, EntryFailed, env, now)

	if err := o.store.Save(ctx, final, inst.Version, nil); err != nil {
		return fmt.Errorf("finish compensation of saga %s: %w", inst.SagaID, err)
	}
	o.afterSave(final)
	o.logTransition(ctx, inst.CurrentStep, final, env, 0)
	return nil
}

func (o *Orchestrator) commands(inst *Instance, types []schema.EventType, now time.Time) ([]schema.Envelope, error) {
	if len(types) == 0 {
		return nil, nil
	}
	payload := schema.OrderCommandPayload{
		OrderID:       inst.OrderID,
		CustomerID:    inst.Facts.CustomerID,
		ReservationID: inst.Facts.ReservationID,
		PaymentID:     inst.Facts.PaymentID,
		Amount:        inst.Facts.Amount,
		Items:         inst.Facts.Items,
		Reason:        inst.Facts.Reason,
	}
	out := make([]schema.Envelope, 0, len(types))
	for _, t := range types {
		env, err := schema.NewEnvelopeFor(o.opts.IDs, t, inst.OrderID, inst.SagaID, payload, now)
		if err != nil {
			return nil, fmt.Errorf("build %s command: %w", t, err)
		}
		out = append(out, env)
	}
	return out, nil
}

func (o *Orchestrator) deadlineOf(inst *Instance) time.Time {
	return inst.LastTransitionAt().Add(o.opts.StepTimeout)
}

func (o *Orchestrator) afterSave(inst *Instance) {
	if inst.Status.Terminal() {
		o.deadlines.clear(inst.SagaID)
		return
	}
	o.deadlines.arm(inst.SagaID, inst.OrderID, o.deadlineOf(inst))
}

func (o *Orchestrator) logTransition(ctx context.Context, from Step, inst *Instance, env schema.Envelope, commands int) {
	logging.WithTrace(ctx, o.logger).Info("Saga transitioned",
		zap.String("saga_id", inst.SagaID),
		zap.String("order_id", inst.OrderID),
		zap.String("from", string(from)),
		zap.String("to", string(inst.CurrentStep)),
		zap.String("status", string(inst.Status)),
		zap.String("event_type", env.EventType),
		zap.Int64("version", inst.Version),
		zap.Int("commands", commands))
}

// Deadline reports when the saga times out, if it is armed.
func (o *Orchestrator) Deadline(sagaID string) (time.Time, bool) {
	return o.deadlines.get(sagaID)
}

// Recover re-arms the deadline of every saga that has not finished, from its
// last transition plus the step timeout.
func (o *Orchestrator) Recover(ctx context.Context) error {
	n, err := o.resync(ctx)
	if err != nil {
		return err
	}
	o.logger.Info("Recovered active sagas", zap.Int("count", n))
	return nil
}

// resync arms a deadline for every unfinished saga in the store, including
// sagas other replicas advanced.
func (o *Orchestrator) resync(ctx context.Context) (int, error) {
	active, err := o.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sagas: %w", err)
	}
	for _, inst := range active {
		o.deadlines.extend(inst.SagaID, inst.OrderID, o.deadlineOf(inst))
	}
	return len(active), nil
}

// Sweep reloads the unfinished sagas from the store, fires saga.timeout.v1
// for every saga whose deadline is at or before now and returns how many
// sagas timed out. A failed reload still sweeps the deadlines already known.
func (o *Orchestrator) Sweep(ctx context.Context, now time.Time) (int, error) {
	var (
		timedOut int
		errs     []error
	)
	if _, err := o.resync(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, d := range o.deadlines.due(now) {
		env, err := schema.NewEnvelopeFor(o.opts.IDs, schema.SagaTimeout, d.orderID, d.sagaID,
			schema.OrderResultPayload{OrderID: d.orderID, Reason: ErrSagaTimeout.Error()}, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("build timeout for saga %s: %w", d.sagaID, err))
			continue
		}

		outcome, err := o.Apply(ctx, env)
		switch {
		case errors.Is(err, ErrInvalidTransition):
			o.deadlines.clear(d.sagaID)
		case err != nil:
			errs = append(errs, fmt.Errorf("time out saga %s: %w", d.sagaID, err))
		case outcome == OutcomeAdvanced:
			timedOut++
			o.logger.Warn("Saga step timed out",
				zap.String("saga_id", d.sagaID),
				zap.Time("deadline", d.at))
		}
	}
	return timedOut, errors.Join(errs...)
}

// HandleMessage is the bus handler for fact subjects. Malformed messages and
// anything that is not a fact are acknowledged and dropped.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg broker.Message) error {
	env, err := schema.CodecFor(msg.ContentType).Decode(msg.Body)
	if err != nil {
		o.logger.Error("Dropping malformed message",
			zap.String("subject", msg.Subject),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		return nil
	}
	if env.Type().Kind() != schema.KindFact {
		o.logger.Debug("Ignoring non-fact message", zap.String("event_type", env.EventType))
		return nil
	}
	return o.OnEvent(ctx, env)
}

// Run subscribes to every fact subject, recovers deadlines and sweeps them
// until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, bus broker.Bus) error {
	if err := o.Recover(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, fact := range schema.Facts() {
		subject := fact.String()
		g.Go(func() error {
			if err := bus.Subscribe(ctx, subject, o.HandleMessage); err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return o.sweepLoop(ctx)
	})
	return g.Wait()
}

func (o *Orchestrator) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := o.Sweep(ctx, o.opts.Now()); err != nil {
				o.logger.Error("Saga sweep failed", zap.Error(err))
			}
		}
	}
}
