/*
 * MailChat - Copyright (C) 2022 Zane van Iperen.
 *    Contact: zane@zanevaniperen.com
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 2, and only
 * version 2 as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program; if not, write to the Free Software
 * Foundation, Inc., 59 Temple Place, Suite 330, Boston, MA  02111-1307  USA
 */

package scheduler

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/errdefs"
	"github.com/vs49688/mailchat/events"
	"github.com/vs49688/mailchat/model"
)

// runSender drains the job queue through the transport until ctx ends.
func (s *Scheduler) runSender(ctx context.Context) {
	defer s.wg.Done()

	q := s.cfg.Queue
	logger := s.log.WithField("component", "sender")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0
	bo.Clock = s.clock

	// Anything still claimed belongs to a run that never finished.
	if err := q.ReleaseClaims(ctx); err != nil {
		logger.WithError(err).Error("sender_release_claims_failed")
	}

	for ctx.Err() == nil {
		job, err := q.ClaimNextReady(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}

			delay := bo.NextBackOff()
			logger.WithError(err).WithField("retry_in", delay).Error("sender_claim_failed")
			s.events.Emit(events.Event{Type: events.Error, Time: s.clock.Now(), Err: err})
			s.sleep(ctx, delay)
			continue
		}
		bo.Reset()

		if job == nil {
			s.waitForWork(ctx)
			continue
		}

		s.sendJob(ctx, job)
	}

	logger.Trace("sender_exit")
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	t := s.clock.Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// waitForWork blocks until a job may be ready: either the queue was
// poked or the earliest scheduled job became due.
func (s *Scheduler) waitForWork(ctx context.Context) {
	q := s.cfg.Queue

	var timeout <-chan time.Time
	at, ok, err := q.NextReadyAt(ctx)
	if err != nil {
		s.log.WithError(err).Warn("sender_next_ready_failed")
		t := s.clock.Timer(time.Second)
		defer t.Stop()
		timeout = t.C
	} else if ok {
		t := s.clock.Timer(at.Sub(s.clock.Now()))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
	case <-q.Wake():
	case <-timeout:
	}
}

func (s *Scheduler) sendJob(ctx context.Context, job *model.Job) {
	q := s.cfg.Queue
	logger := s.log.WithFields(log.Fields{
		"job":      job.ID,
		"kind":     job.Kind,
		"msg_id":   job.MsgID,
		"attempts": job.Attempts,
	})

	logger.Debug("sender_send")
	err := s.cfg.Transport.Send(ctx, job.Envelope)

	// Stopping mid-send leaves the job claimed. It is released and sent
	// again on the next start.
	if err != nil && ctx.Err() != nil {
		logger.WithError(err).Debug("sender_send_interrupted")
		return
	}

	switch {
	case err == nil:
		if s.settle(ctx, logger, "sender_complete_failed", func(bctx context.Context) error {
			return q.Complete(bctx, job)
		}) {
			logger.Info("sender_delivered")
		}
	case errdefs.IsPermanent(err):
		s.settle(ctx, logger, "sender_fail_failed", func(bctx context.Context) error {
			return q.Fail(bctx, job, err.Error())
		})
	default:
		var failed bool
		if s.settle(ctx, logger, "sender_retry_failed", func(bctx context.Context) (rerr error) {
			failed, rerr = q.Retry(bctx, job, err)
			return
		}) && failed {
			logger.WithError(err).Warn("sender_gave_up")
		}
	}
}

// settle records the outcome of a send, retrying storage failures with
// backoff so the job does not stay claimed. It gives up only when ctx ends,
// leaving the claim for ReleaseClaims on the next start.
func (s *Scheduler) settle(ctx context.Context, logger *log.Entry, what string, fn func(context.Context) error) bool {
	bctx := context.WithoutCancel(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0
	bo.Clock = s.clock

	err := backoff.RetryNotifyWithTimer(func() error {
		return fn(bctx)
	}, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
		logger.WithError(err).WithField("retry_in", d).Error(what)
		s.events.Emit(events.Event{Type: events.Error, Time: s.clock.Now(), Err: err})
	}, &clockTimer{clock: s.clock})

	if err != nil {
		logger.WithError(err).Warn("sender_settle_abandoned")
		return false
	}
	return true
}

// clockTimer runs backoff waits on the scheduler's clock.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.Timer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
