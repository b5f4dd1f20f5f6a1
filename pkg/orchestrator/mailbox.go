// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kadirpekel/priam/pkg/protocol"
	"github.com/kadirpekel/priam/pkg/session"
)

type commandKind int

const (
	cmdClient commandKind = iota
	cmdResume
	cmdExpireForm
)

// command is one unit of mailbox work.
type command struct {
	kind   commandKind
	event  *protocol.ClientEvent
	formID string
}

// resident is one in-memory session and the goroutine that owns it.
// Every mutation of the session flows through the mailbox; the only
// cross-goroutine signal is the cancel interrupt, which aborts model
// and tool work the loop is blocked on.
type resident struct {
	orc  *Orchestrator
	sess *session.Session

	cmds     chan command
	stopOnce sync.Once
	stopped  chan struct{}

	// interrupt cancels the context of the active run, if any.
	interrupt atomic.Pointer[context.CancelFunc]

	// cancelRequested latches a user cancel until the machine consumes
	// it, so a cancel that lands between two runs is not lost.
	cancelRequested atomic.Bool
}

func newResident(o *Orchestrator, sess *session.Session) *resident {
	buffer := o.mailboxBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &resident{
		orc:     o,
		sess:    sess,
		cmds:    make(chan command, buffer),
		stopped: make(chan struct{}),
	}
}

// enqueue queues a command without blocking. A full mailbox rejects the
// command; the client is flooding faster than the session can work.
func (r *resident) enqueue(cmd command) error {
	select {
	case <-r.stopped:
		return fmt.Errorf("session %s is no longer resident", r.sess.Key().String())
	default:
	}

	select {
	case r.cmds <- cmd:
		return nil
	default:
		return fmt.Errorf("session %s mailbox is full", r.sess.Key().String())
	}
}

// stop ends the mailbox loop after the current command.
func (r *resident) stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
}

// requestCancel interrupts the active run. Safe from any goroutine and
// idempotent.
func (r *resident) requestCancel() {
	r.cancelRequested.Store(true)
	if cancel := r.interrupt.Load(); cancel != nil {
		(*cancel)()
	}
}

// takeCancelled consumes the pending cancel request.
func (r *resident) takeCancelled() bool {
	return r.cancelRequested.Swap(false)
}

func (r *resident) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopped:
			return
		case cmd := <-r.cmds:
			r.handle(ctx, cmd)
		}
	}
}

func (r *resident) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdResume:
		r.resume(ctx)
	case cmdExpireForm:
		r.expireForm(ctx, cmd.formID)
	case cmdClient:
		r.handleClient(ctx, cmd.event)
	}
}

func (r *resident) handleClient(ctx context.Context, ev *protocol.ClientEvent) {
	switch ev.Kind {
	case protocol.ClientUserMessage:
		r.handleUserMessage(ctx, ev.Message)
	case protocol.ClientFormReply:
		r.handleFormReply(ctx, ev.Reply)
	case protocol.ClientOptionsQuery:
		r.handleOptionsQuery(ctx, ev.Query)
	case protocol.ClientControl:
		r.handleControl(ctx, ev.Control)
	}
}

// handleUserMessage starts a new request when the session is quiescent.
// A message arriving while a form is outstanding does not disturb the
// suspension; the client is told to answer the form first.
func (r *resident) handleUserMessage(ctx context.Context, msg *protocol.UserMessagePayload) {
	if msg == nil {
		return
	}
	switch r.sess.State() {
	case session.StateIdle, session.StateTerminal:
	case session.StateAwaitingHuman:
		slog.Debug("User message while suspended on a form",
			"session", r.sess.Key().String())
		r.notify("Please complete the pending form before sending a new request.")
		return
	default:
		// Active states never reach here: the mailbox is busy while a
		// request runs, so the command waited until the machine parked.
		slog.Warn("User message in unexpected state",
			"session", r.sess.Key().String(),
			"state", r.sess.State())
		return
	}

	entry := session.UserText(0, msg.Text, msg.Attachments)
	entry.Pinned = true
	if err := r.commit(ctx, session.StateValidating, 0, entry); err != nil {
		r.fault(ctx, err)
		return
	}
	r.advance(ctx)
}

// handleControl processes cancel and close for a parked session. Cancel
// during an active run was already consumed by the interrupt; by the
// time the queued command runs, the machine is back in Idle and this is
// the no-op that makes cancel idempotent.
func (r *resident) handleControl(ctx context.Context, ctl *protocol.ControlPayload) {
	if ctl == nil {
		return
	}
	switch ctl.Action {
	case protocol.ControlCancel:
		r.takeCancelled()
		if r.sess.State() != session.StateAwaitingHuman {
			return
		}
		stepIndex := r.sess.StepIndex()
		r.sess.ClearPendingForm()
		msgs := []session.Message{
			session.SystemNote(stepIndex, "cancelled by user while awaiting form", KindCancelled),
			session.AgentMarkdown(stepIndex, "", "Cancelled."),
		}
		if err := r.commit(ctx, session.StateIdle, stepIndex, msgs...); err != nil {
			r.fault(ctx, err)
		}

	case protocol.ControlClose:
		key := r.sess.Key()
		if err := r.orc.Destroy(context.WithoutCancel(ctx), key); err != nil {
			slog.Warn("Failed to destroy session on close",
				"session", key.String(),
				"error", err)
		}
	}
}

// resume re-enters a restored session. Quiescent states just wait;
// active states drive the machine from wherever the last checkpoint
// left it.
func (r *resident) resume(ctx context.Context) {
	state := r.sess.State()
	if !state.Active() {
		return
	}
	slog.Info("Resuming session",
		"session", r.sess.Key().String(),
		"state", state,
		"step", r.sess.StepIndex())
	r.advance(ctx)
}

// expireForm times out the outstanding form and routes the session to
// recovery (or aborts, when the expired form was itself the review).
func (r *resident) expireForm(ctx context.Context, formID string) {
	pf := r.sess.PendingForm()
	if pf == nil || r.sess.State() != session.StateAwaitingHuman || pf.FormID != formID {
		return
	}

	stepIndex := r.sess.StepIndex()
	purpose := pf.Purpose
	r.sess.ClearPendingForm()
	note := session.SystemNote(stepIndex, "form reply timed out", KindTimeout)

	if purpose == session.FormPurposeReview {
		r.abortPlan(ctx, stepIndex, "the review decision timed out", note)
		return
	}
	if err := r.commit(ctx, session.StateRecovering, stepIndex, note); err != nil {
		r.fault(ctx, err)
		return
	}
	r.advance(ctx)
}

// notify publishes a transient markdown frame without touching history.
// Used for rejections that must not mutate state (duplicate form
// replies, messages during suspension).
func (r *resident) notify(text string) {
	r.orc.bus.Publish(busKey(r.sess.Key()), protocol.NewMarkdown(text))
}

// activeRunContext derives the context for one active run and arms the
// cancel interrupt. The returned release must be called when the run
// settles.
func (r *resident) activeRunContext(ctx context.Context) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	r.interrupt.Store(&cancel)
	if r.cancelRequested.Load() {
		// Cancel arrived before the run was armed.
		cancel()
	}
	release := func() {
		r.interrupt.Store(nil)
		cancel()
	}
	return runCtx, release
}
