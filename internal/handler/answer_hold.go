package handler

import (
	"context"
	"time"

	"fastagi/internal/session"
)

// DefaultHold is how long AnswerHold keeps the channel up.
const DefaultHold = 15 * time.Second

// AnswerHold answers the call, keeps it up for Hold and hangs up.
// A non-200 answer is logged and the hold goes ahead regardless; the
// switch decides what an unanswered channel does.
type AnswerHold struct {
	Hold time.Duration // 0 = DefaultHold
}

func (h *AnswerHold) Handle(ctx context.Context, sess *session.Session) error {
	log := sess.Logger()
	env := sess.Env()
	log.Info("call from %q on %s", env.CallerID(), env.Channel())

	resp, err := sess.Answer(ctx)
	if err != nil {
		return err
	}
	if !resp.OK() {
		log.Warn("ANSWER returned %s", resp)
	}

	hold := h.Hold
	if hold <= 0 {
		hold = DefaultHold
	}
	t := time.NewTimer(hold)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	_, err = sess.Hangup(ctx)
	return err
}
