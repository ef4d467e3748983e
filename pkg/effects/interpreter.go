package effects

import (
	"context"
	"log/slog"

	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/guard"
	"github.com/hxrts/aura/pkg/journal"
	"github.com/hxrts/aura/pkg/transport"
	"github.com/hxrts/aura/pkg/types"
)

// Report summarizes one Run.
type Report struct {
	// Executed is the number of commands that completed.
	Executed int
	// Budgets holds the post-charge budget of every charged key.
	Budgets []journal.BudgetEntry
	// Appended lists the journal orders written.
	Appended    []types.OrderTime
	LeakageBits uint64
	Sent        int
}

// Interpreter applies guard plans. Journal commands run first, in order,
// inside one journal transaction; outbox commands (leakage, send, trace)
// then run in order. The first failure stops execution.
type Interpreter struct {
	store  *journal.Store
	fx     Effects
	logger *slog.Logger
}

// NewInterpreter binds an interpreter to the runtime's journal store and
// handlers.
func NewInterpreter(store *journal.Store, fx Effects) *Interpreter {
	return &Interpreter{
		store:  store,
		fx:     fx,
		logger: slog.Default().With("component", "effects.interpreter"),
	}
}

func checkCommand(c guard.EffectCommand) error {
	var ok bool
	switch c.Kind {
	case guard.CmdChargeBudget:
		ok = c.ChargeBudget != nil
	case guard.CmdAppendJournal:
		ok = c.AppendJournal != nil
	case guard.CmdRecordLeakage:
		ok = c.RecordLeakage != nil
	case guard.CmdSendEnvelope:
		ok = c.SendEnvelope != nil
	case guard.CmdEmitTrace:
		ok = c.EmitTrace != nil
	}
	if !ok {
		return coreerr.New(coreerr.KindInvalid, "effects.run", "malformed %s command", c.Kind)
	}
	return nil
}

// Run executes cmds. On a journal failure nothing is published; on an
// outbox failure the journal changes stay, since appends are idempotent by
// order and charges cannot be reversed.
func (in *Interpreter) Run(ctx context.Context, cmds []guard.EffectCommand) (Report, error) {
	var rep Report
	for _, c := range cmds {
		if err := checkCommand(c); err != nil {
			return rep, err
		}
	}

	var journaled, outbox []guard.EffectCommand
	for _, c := range cmds {
		if c.Journaled() {
			journaled = append(journaled, c)
		} else {
			outbox = append(outbox, c)
		}
	}

	if len(journaled) > 0 {
		var staged Report
		err := in.store.Update(ctx, func(j *journal.Journal) error {
			staged = Report{}
			for _, c := range journaled {
				if err := applyJournal(j, c, &staged); err != nil {
					return err
				}
				staged.Executed++
			}
			return nil
		})
		if err != nil {
			in.logger.WarnContext(ctx, "journal commands rejected", "error", err, "commands", len(journaled))
			return rep, err
		}
		rep = staged
	}

	for _, c := range outbox {
		if err := in.applyOutbox(ctx, c, &rep); err != nil {
			in.logger.WarnContext(ctx, "effect command failed", "kind", c.Kind.String(), "error", err)
			return rep, err
		}
		rep.Executed++
	}
	return rep, nil
}

func applyJournal(j *journal.Journal, c guard.EffectCommand, rep *Report) error {
	switch c.Kind {
	case guard.CmdChargeBudget:
		cb := c.ChargeBudget
		b, err := j.ChargeFlowBudget(cb.Context, cb.Authority, cb.Epoch, uint64(cb.Amount))
		if err != nil {
			return err
		}
		rep.Budgets = append(rep.Budgets, journal.BudgetEntry{
			Key:    journal.BudgetKey{Context: cb.Context, Peer: cb.Authority},
			Budget: b,
		})
	case guard.CmdAppendJournal:
		f := c.AppendJournal.Entry
		if err := j.AppendFact(f); err != nil {
			return err
		}
		rep.Appended = append(rep.Appended, f.Order)
	}
	return nil
}

func (in *Interpreter) applyOutbox(ctx context.Context, c guard.EffectCommand, rep *Report) error {
	switch c.Kind {
	case guard.CmdRecordLeakage:
		l := c.RecordLeakage
		if in.fx.Leakage != nil {
			in.fx.Leakage.RecordLeakage(ctx, l.Context, l.Authority, l.Bits)
		}
		rep.LeakageBits += uint64(l.Bits)
	case guard.CmdSendEnvelope:
		if in.fx.Network == nil {
			return coreerr.New(coreerr.KindInternal, "effects.send_envelope", "no network handler")
		}
		raw, err := transport.EncodeEnvelope(c.SendEnvelope.Envelope)
		if err != nil {
			return err
		}
		if err := in.fx.Network.SendToPeer(ctx, c.SendEnvelope.To, raw); err != nil {
			return err
		}
		rep.Sent++
	case guard.CmdEmitTrace:
		if in.fx.Trace != nil {
			in.fx.Trace.Emit(ctx, c.EmitTrace.Event, c.EmitTrace.Fields)
		}
	}
	return nil
}
