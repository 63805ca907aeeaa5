package gateway

import (
	"context"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ticker is the per-connection status push loop.
type ticker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startTimer starts the status tick unless one is already running.
func (cl *client) startTimer(ctx context.Context) {
	cl.timerMu.Lock()
	defer cl.timerMu.Unlock()

	if cl.timer != nil {
		select {
		case <-cl.timer.done:
		default:
			return
		}
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &ticker{cancel: cancel, done: make(chan struct{})}
	cl.timer = t
	go cl.runTimer(tctx, t)
}

// stopTimer cancels the status tick and waits for it to exit.
func (cl *client) stopTimer() {
	cl.timerMu.Lock()
	t := cl.timer
	cl.timer = nil
	cl.timerMu.Unlock()

	if t != nil {
		t.cancel()
		<-t.done
	}
}

func (cl *client) runTimer(ctx context.Context, t *ticker) {
	defer close(t.done)

	tk := cl.gw.clk.NewTicker(cl.gw.tick)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.Chan():
			st, err := cl.gw.enrollments.Status(ctx, cl.enrollmentID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				cl.log.Warn().Err(err).Msg("Status tick failed")
				continue
			}
			if err := cl.conn.WriteTyped(StatusResponse{Event: EventTick, Data: st}); err != nil {
				return
			}
			if st.Status == model.EnrollmentStatusSubmitted {
				return
			}
		}
	}
}
