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

package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/vs49688/mailchat/events"
	"github.com/vs49688/mailchat/internal"
	"github.com/vs49688/mailchat/model"
	"github.com/vs49688/mailchat/store"
)

type recordingObserver struct {
	delivered []int64
}

func (o *recordingObserver) JobDelivered(tx *store.Tx, job *model.Job) error {
	o.delivered = append(o.delivered, job.ID)
	return nil
}

func setup(t *testing.T, policy RetryPolicy) (*Queue, *store.Store, *clock.Mock, *events.Bus) {
	s := internal.NewTestStore(t, "alice@example.org")
	clk := clock.NewMock()
	clk.Set(time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := events.NewBus(nil)

	q := NewQueue(&Config{
		Store:  s,
		Clock:  clk,
		Policy: policy,
		Events: bus,
	})
	return q, s, clk, bus
}

func enqueueMessage(t *testing.T, q *Queue, s *store.Store) (msgID int64, jobID int64) {
	err := s.Transact(context.Background(), func(tx *store.Tx) error {
		var err error
		msgID, err = tx.InsertMessage(&model.Message{
			RFC724MID: "out@example.org",
			FromID:    model.ContactSelf,
			State:     model.StatePending,
		})
		if err != nil {
			return err
		}

		jobID, err = q.Enqueue(tx, model.JobSendMessage, msgID, model.Envelope{
			From: "alice@example.org",
			To:   []string{"bob@example.org"},
			Raw:  []byte("raw"),
		})
		return err
	})
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return
}

func messageState(t *testing.T, s *store.Store, id int64) *model.Message {
	var msg *model.Message
	err := s.Transact(context.Background(), func(tx *store.Tx) (err error) {
		msg, err = tx.Message(id)
		return
	})
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return msg
}

func TestRetryDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(40))

	capped := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Minute, MaxDelay: 30 * time.Second}
	assert.Equal(t, 30*time.Second, capped.Delay(1))
	assert.Equal(t, 30*time.Second, capped.Delay(3))

	def := DefaultRetryPolicy()
	assert.Equal(t, 30*time.Second, def.Delay(1))
	assert.Equal(t, 16*time.Minute, def.Delay(6))
	assert.Equal(t, time.Hour, def.Delay(8))
}

func TestEnqueueWakes(t *testing.T) {
	q, s, _, _ := setup(t, RetryPolicy{})
	enqueueMessage(t, q, s)

	select {
	case <-q.Wake():
	default:
		t.Fatal("queue was not woken")
	}
}

func TestCompleteMarksDelivered(t *testing.T) {
	q, s, _, bus := setup(t, RetryPolicy{})
	obs := &recordingObserver{}
	q.AddObserver(obs)
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	msgID, jobID := enqueueMessage(t, q, s)
	ctx := context.Background()

	job, err := q.ClaimNextReady(ctx)
	if !assert.NoError(t, err) || !assert.NotNil(t, job) {
		t.FailNow()
	}
	assert.Equal(t, jobID, job.ID)

	// Claimed jobs are invisible to other claimers.
	other, err := q.ClaimNextReady(ctx)
	assert.NoError(t, err)
	assert.Nil(t, other)

	assert.NoError(t, q.Complete(ctx, job))
	assert.Equal(t, model.StateDelivered, messageState(t, s, msgID).State)
	assert.Equal(t, []int64{jobID}, obs.delivered)

	ev := <-ch
	assert.Equal(t, events.MessageDelivered, ev.Type)
	assert.Equal(t, msgID, ev.MsgID)
}

func TestRetryCeiling(t *testing.T) {
	q, s, clk, bus := setup(t, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Hour})
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	msgID, _ := enqueueMessage(t, q, s)
	ctx := context.Background()
	cause := errors.New("451 try later")

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.ClaimNextReady(ctx)
		if !assert.NoError(t, err) || !assert.NotNil(t, job) {
			t.FailNow()
		}
		assert.Equal(t, attempt, job.Attempts)

		failed, err := q.Retry(ctx, job, cause)
		assert.NoError(t, err)
		assert.Equal(t, attempt == 3, failed)

		if !failed {
			// Not due yet.
			job, err = q.ClaimNextReady(ctx)
			assert.NoError(t, err)
			assert.Nil(t, job)

			clk.Add(q.Policy().Delay(attempt))
		}
	}

	msg := messageState(t, s, msgID)
	assert.Equal(t, model.StateFailed, msg.State)
	assert.Equal(t, "451 try later", msg.Error)

	var failedEvents int
	for len(ch) > 0 {
		if ev := <-ch; ev.Type == events.MessageFailed {
			failedEvents++
		}
	}
	assert.Equal(t, 1, failedEvents)

	_, ok, err := q.NextReadyAt(ctx)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestFailIsIdempotent(t *testing.T) {
	q, s, _, bus := setup(t, RetryPolicy{})
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	enqueueMessage(t, q, s)
	ctx := context.Background()

	job, err := q.ClaimNextReady(ctx)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	assert.NoError(t, q.Fail(ctx, job, "550 no such user"))
	assert.NoError(t, q.Fail(ctx, job, "550 no such user"))

	assert.Len(t, ch, 1)
}

func TestReleaseClaims(t *testing.T) {
	q, s, _, _ := setup(t, RetryPolicy{})
	enqueueMessage(t, q, s)
	ctx := context.Background()

	job, err := q.ClaimNextReady(ctx)
	if !assert.NoError(t, err) || !assert.NotNil(t, job) {
		t.FailNow()
	}

	assert.NoError(t, q.ReleaseClaims(ctx))

	job, err = q.ClaimNextReady(ctx)
	assert.NoError(t, err)
	if assert.NotNil(t, job) {
		assert.Equal(t, 2, job.Attempts)
	}
}
