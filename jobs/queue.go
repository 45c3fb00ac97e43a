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

// Package jobs is the durable queue of outbound side effects. Jobs are
// delivered at least once; a job is removed only after its effect was
// confirmed or it was given up on.
package jobs

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/events"
	"github.com/vs49688/mailchat/model"
	"github.com/vs49688/mailchat/store"
)

type RetryPolicy struct {
	// MaxAttempts is the attempt ceiling. The job fails permanently once
	// this many attempts have failed.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 6,
		BaseDelay:   30 * time.Second,
		MaxDelay:    time.Hour,
	}
}

// Delay returns the wait after the given (1-based) failed attempt: the
// base delay doubled per attempt, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()

	var d time.Duration
	for i := 0; i < attempt && d < p.MaxDelay; i++ {
		d = bo.NextBackOff()
	}

	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// DeliveryObserver is told about completed jobs inside the transaction
// that removes them.
type DeliveryObserver interface {
	JobDelivered(tx *store.Tx, job *model.Job) error
}

type Config struct {
	Store     *store.Store
	Clock     clock.Clock
	Policy    RetryPolicy
	Events    events.Emitter
	Observers []DeliveryObserver
	Logger    *log.Entry
}

type Queue struct {
	store     *store.Store
	clock     clock.Clock
	policy    RetryPolicy
	events    events.Emitter
	observers []DeliveryObserver
	wake      chan struct{}
	log       *log.Entry
}

func NewQueue(cfg *Config) *Queue {
	q := &Queue{
		store:     cfg.Store,
		clock:     cfg.Clock,
		policy:    cfg.Policy,
		events:    cfg.Events,
		observers: cfg.Observers,
		wake:      make(chan struct{}, 1),
		log:       cfg.Logger,
	}

	if q.clock == nil {
		q.clock = clock.New()
	}

	def := DefaultRetryPolicy()
	if q.policy.MaxAttempts <= 0 {
		q.policy.MaxAttempts = def.MaxAttempts
	}
	if q.policy.BaseDelay <= 0 {
		q.policy.BaseDelay = def.BaseDelay
	}
	if q.policy.MaxDelay <= 0 {
		q.policy.MaxDelay = def.MaxDelay
	}

	if q.events == nil {
		q.events = events.Discard{}
	}

	if q.log == nil {
		q.log = log.NewEntry(log.StandardLogger())
	}

	return q
}

func (q *Queue) AddObserver(o DeliveryObserver) {
	q.observers = append(q.observers, o)
}

func (q *Queue) Policy() RetryPolicy {
	return q.policy
}

// Wake is signalled, coalesced, whenever a job may have become ready.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue adds a job as part of the caller's transaction. The sender is
// woken once that transaction commits.
func (q *Queue) Enqueue(tx *store.Tx, kind model.JobKind, msgID int64, env model.Envelope) (int64, error) {
	now := q.clock.Now()
	id, err := tx.InsertJob(&model.Job{
		Kind:        kind,
		MsgID:       msgID,
		Envelope:    env,
		NextRetryAt: now,
		CreatedAt:   now,
	})
	if err != nil {
		return 0, err
	}

	tx.OnCommit(func() {
		q.log.WithFields(log.Fields{"job": id, "kind": kind, "msg_id": msgID}).Debug("job_enqueued")
		q.notify()
	})
	return id, nil
}

// ClaimNextReady exclusively claims the next due job, or returns nil.
func (q *Queue) ClaimNextReady(ctx context.Context) (*model.Job, error) {
	var job *model.Job
	err := q.store.Transact(ctx, func(tx *store.Tx) (err error) {
		job, err = tx.ClaimNextJob(q.clock.Now())
		return
	})
	return job, err
}

// Complete removes a job whose effect was confirmed.
func (q *Queue) Complete(ctx context.Context, job *model.Job) error {
	return q.store.Transact(ctx, func(tx *store.Tx) error {
		existed, err := tx.DeleteJob(job.ID)
		if err != nil || !existed {
			return err
		}

		if job.Kind == model.JobSendMessage && job.MsgID != 0 {
			msg, err := tx.Message(job.MsgID)
			if err != nil {
				return err
			}

			if msg != nil && msg.State == model.StatePending {
				if err := tx.SetMessageState(msg.ID, model.StateDelivered); err != nil {
					return err
				}
			}

			if msg != nil && !msg.Hidden {
				tx.OnCommit(func() {
					q.events.Emit(events.Event{Type: events.MessageDelivered, ChatID: msg.ChatID, MsgID: msg.ID})
				})
			}
		}

		for _, o := range q.observers {
			if err := o.JobDelivered(tx, job); err != nil {
				return err
			}
		}
		return nil
	})
}

// Retry reschedules a job after a transient failure, or fails it once the
// attempt ceiling is reached. It reports whether the job failed.
func (q *Queue) Retry(ctx context.Context, job *model.Job, cause error) (bool, error) {
	if job.Attempts >= q.policy.MaxAttempts {
		return true, q.Fail(ctx, job, cause.Error())
	}

	at := q.clock.Now().Add(q.policy.Delay(job.Attempts))
	err := q.store.Transact(ctx, func(tx *store.Tx) error {
		if err := tx.RescheduleJob(job.ID, at, cause.Error()); err != nil {
			return err
		}
		tx.OnCommit(q.notify)
		return nil
	})

	if err == nil {
		q.log.WithError(cause).WithFields(log.Fields{
			"job":      job.ID,
			"attempts": job.Attempts,
			"next_at":  at,
		}).Warn("job_rescheduled")
	}
	return false, err
}

// Fail removes a job for good and marks its message failed. The message
// transition and event happen exactly once even if Fail is called again.
func (q *Queue) Fail(ctx context.Context, job *model.Job, reason string) error {
	return q.store.Transact(ctx, func(tx *store.Tx) error {
		existed, err := tx.DeleteJob(job.ID)
		if err != nil || !existed {
			return err
		}

		var chatID int64
		if job.Kind == model.JobSendMessage && job.MsgID != 0 {
			msg, err := tx.Message(job.MsgID)
			if err != nil {
				return err
			} else if msg != nil {
				chatID = msg.ChatID
				if err := tx.SetMessageFailed(msg.ID, reason); err != nil {
					return err
				}
			}
		}

		tx.OnCommit(func() {
			q.log.WithFields(log.Fields{
				"job":      job.ID,
				"msg_id":   job.MsgID,
				"attempts": job.Attempts,
				"reason":   reason,
			}).Error("job_failed")
			q.events.Emit(events.Event{Type: events.MessageFailed, ChatID: chatID, MsgID: job.MsgID, Detail: reason})
		})
		return nil
	})
}

// Cancel removes a pending job without touching its message.
func (q *Queue) Cancel(ctx context.Context, id int64) error {
	return q.store.Transact(ctx, func(tx *store.Tx) error {
		_, err := tx.DeleteJob(id)
		return err
	})
}

// NextReadyAt returns when the next unclaimed job becomes due.
func (q *Queue) NextReadyAt(ctx context.Context) (at time.Time, ok bool, err error) {
	err = q.store.Transact(ctx, func(tx *store.Tx) error {
		at, ok, err = tx.NextJobAt()
		return err
	})
	return
}

// ReleaseClaims returns jobs claimed by a previous run to the queue.
func (q *Queue) ReleaseClaims(ctx context.Context) error {
	return q.store.Transact(ctx, func(tx *store.Tx) error {
		n, err := tx.ReleaseJobs()
		if err != nil {
			return err
		}

		if n > 0 {
			q.log.WithField("count", n).Info("jobs_released")
			tx.OnCommit(q.notify)
		}
		return nil
	})
}
