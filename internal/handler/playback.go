package handler

import (
	"context"
	"fmt"

	"fastagi/internal/session"
)

// channelUp is the CHANNEL STATUS result for an answered channel.
const channelUp = 6

// Playback plays the sound file named by the first script argument
// (agi_arg_1), answering first if the channel is not already up.  Any
// DTMF digit stops the playback.
type Playback struct{}

func (p *Playback) Handle(ctx context.Context, sess *session.Session) error {
	log := sess.Logger()

	file, ok := sess.Env().Arg(1)
	if !ok || file == "" {
		log.Warn("no file argument passed, hanging up")
		_, err := sess.Hangup(ctx)
		return err
	}

	status, _, err := sess.ChannelStatus(ctx)
	if err != nil {
		return err
	}
	if status != channelUp {
		resp, err := sess.Answer(ctx)
		if err != nil {
			return err
		}
		if r, _ := resp.ResultInt(); !resp.OK() || r == -1 {
			return fmt.Errorf("answer failed: %s", resp)
		}
	}

	resp, err := sess.StreamFileInterruptible(ctx, file)
	if err != nil {
		return err
	}
	if r, _ := resp.ResultInt(); r == -1 {
		log.Warn("playback of %q failed", file)
	}

	_, err = sess.Hangup(ctx)
	return err
}
