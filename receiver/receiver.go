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

// Package receiver watches one IMAP folder and hands out its messages in UID
// order. A per-folder cursor records the highest UID below which every message
// has been acked, so a restart resumes without reprocessing.
package receiver

import (
	"context"
	"time"

	client2 "github.com/emersion/go-imap/client"
	log "github.com/sirupsen/logrus"
	imap2 "github.com/vs49688/mailchat/imap"
)

func NewReceiver(cfg *Config) (*MailReceiver, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger = logger.WithField("folder", cfg.Mailbox)

	cursor := cfg.Cursor
	if cursor == nil {
		cursor = &MemoryCursor{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	uidValidity, lastUID, err := cursor.LoadCursor(ctx, cfg.Mailbox)
	if err != nil {
		cancel()
		return nil, err
	}

	updateChannel := make(chan client2.Update, 10)
	c, err := cfg.Factory.NewClient(&imap2.ClientConfig{
		ConnectionConfig: cfg.ConnectionConfig,
		Updates:          updateChannel,
	})

	if err != nil {
		cancel()
		return nil, err
	}

	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}

	windowSize := cfg.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}

	idleFallbackInterval := cfg.IDLEFallbackInterval
	if idleFallbackInterval == 0 {
		idleFallbackInterval = DefaultIDLEFallbackInterval
	}

	fetchMaxInterval := cfg.FetchMaxInterval
	if fetchMaxInterval == 0 {
		fetchMaxInterval = DefaultFetchMaxInterval
	}

	mr := &MailReceiver{
		client:      c,
		folder:      cfg.Mailbox,
		cursor:      cursor,
		updates:     updateChannel,
		imapChannel: make(chan interface{}),
		ackChannel:  make(chan ackRequest, windowSize),
		outChannel:  cfg.Channel,

		messages:    map[uint32]*messageState{},
		uidValidity: uidValidity,
		lastUID:     lastUID,
		highest:     lastUID,

		batchSize:            batchSize,
		windowSize:           windowSize,
		idleFallbackInterval: idleFallbackInterval,
		fetchMaxInterval:     fetchMaxInterval,
		disableDeletions:     cfg.DisableDeletions,
		limiter:              cfg.Limiter,
		log:                  logger,

		ctx:    ctx,
		cancel: cancel,

		hasQuit:  make(chan struct{}, 1),
		wantQuit: make(chan struct{}, 1),
	}

	logger.WithFields(log.Fields{
		"uid_validity": uidValidity,
		"last_uid":     lastUID,
	}).Info("receiver_starting")

	go mr.run()
	return mr, nil
}

// Ack acknowledges the processing of a message. If err is nil the message is
// considered persisted: it is then expunged if remove is set, or marked
// \Seen otherwise. A failed message is fetched again later.
func (mr *MailReceiver) Ack(uid uint32, remove bool, err error) {
	mr.log.WithError(err).WithFields(log.Fields{"uid": uid, "remove": remove}).Trace("receiver_ack_called")

	if uid == 0 {
		return
	}

	mr.ackChannel <- ackRequest{UID: uid, Remove: remove, Error: err}
	mr.log.WithField("uid", uid).Trace("receiver_ack_return")
}

func (mr *MailReceiver) Folder() string {
	return mr.folder
}

func (mr *MailReceiver) withMessageState(mstate *messageState) *log.Entry {
	return mr.log.WithFields(log.Fields{
		"uid":    mstate.UID,
		"state":  mstate.State,
		"remove": mstate.Remove,
	})
}

func (mr *MailReceiver) unacked() uint {
	var n uint = 0
	for _, m := range mr.messages {
		if m.State == StateUnacked {
			n++
		}
	}
	return n
}

func (mr *MailReceiver) failed() []uint32 {
	var uids []uint32
	for uid, m := range mr.messages {
		if m.State == StateFailed {
			uids = append(uids, uid)
		}
	}
	sortUIDs(uids)
	return uids
}

func (mr *MailReceiver) nextFetch() fetchRequest {
	refetch := mr.failed()
	limit := int(mr.windowSize) - int(mr.unacked()) - len(refetch)
	if limit < 0 {
		limit = 0
	}

	return fetchRequest{
		UIDValidity: mr.uidValidity,
		From:        mr.highest,
		Refetch:     refetch,
		Limit:       limit,
	}
}

func (mr *MailReceiver) resetCursor(uidValidity uint32) {
	if mr.uidValidity != 0 {
		mr.log.WithFields(log.Fields{
			"old": mr.uidValidity,
			"new": uidValidity,
		}).Warn("receiver_uidvalidity_changed")
	}

	mr.uidValidity = uidValidity
	mr.lastUID = 0
	mr.highest = 0
	mr.messages = map[uint32]*messageState{}
	mr.saveCursor()
}

func (mr *MailReceiver) saveCursor() {
	if err := mr.cursor.SaveCursor(mr.ctx, mr.folder, mr.uidValidity, mr.lastUID); err != nil {
		mr.log.WithError(err).Error("receiver_cursor_save_failed")
	}
}

// advanceCursor moves the cursor to just below the lowest unresolved message,
// or to the highest handed out if everything is resolved.
func (mr *MailReceiver) advanceCursor() {
	next := mr.highest
	for uid := range mr.messages {
		if uid-1 < next {
			next = uid - 1
		}
	}

	if next > mr.lastUID {
		mr.lastUID = next
		mr.log.WithField("last_uid", next).Trace("receiver_cursor_advanced")
		mr.saveCursor()
	}
}

func (mr *MailReceiver) handleFetch(r *fetchResult) uint {
	var num uint = 0
	mr.log.WithField("uids", r.UIDs).Trace("receiver_got_fetch_result")

	if r.UIDValidity != mr.uidValidity {
		mr.resetCursor(r.UIDValidity)
	}

	mr.more = r.More

	vanished := false
	for _, uid := range r.Refetched {
		if _, ok := r.Messages[uid]; !ok {
			mr.log.WithField("uid", uid).Warn("receiver_message_vanished")
			delete(mr.messages, uid)
			vanished = true
		}
	}

	if vanished {
		mr.advanceCursor()
	}

	for _, uid := range r.UIDs {
		if m, ok := mr.messages[uid]; ok {
			if m.State != StateFailed {
				continue
			}
		} else if uid <= mr.highest {
			continue
		}

		mstate := &messageState{UID: uid, State: StateUnacked}
		mr.messages[uid] = mstate
		if uid > mr.highest {
			mr.highest = uid
		}

		mr.withMessageState(mstate).Debug("receiver_message_update")
		mr.outChannel <- r.Messages[uid]
		num += 1
	}

	return num
}

func (mr *MailReceiver) handleStore(r *storeResult) []*messageState {
	for _, msg := range r.Done {
		mr.withMessageState(msg).Debug("receiver_message_stored")
	}

	for _, msg := range r.Failed {
		mr.withMessageState(msg).Info("receiver_message_store_failed")
	}

	return r.Failed
}

func (mr *MailReceiver) handleAck(r *ackRequest) *messageState {
	e := mr.log.WithFields(log.Fields{"uid": r.UID, "remove": r.Remove})
	if r.Error != nil {
		e.WithError(r.Error).Warn("receiver_ack")
	} else {
		e.Debug("receiver_ack")
	}

	msg, ok := mr.messages[r.UID]
	if !ok || msg.State != StateUnacked {
		e.Trace("receiver_ack_unknown")
		return nil
	}

	if r.Error != nil {
		msg.State = StateFailed
		return nil
	}

	msg.State = StateAcked
	msg.Remove = r.Remove
	delete(mr.messages, r.UID)
	mr.advanceCursor()
	return msg
}

func (mr *MailReceiver) handleMessageUpdate(upd client2.Update) bool {
	switch vv := upd.(type) {
	case *client2.StatusUpdate:
		// This is INFO because it often contains useful info to have in the logs
		mr.log.WithFields(log.Fields{
			"tag":       vv.Status.Tag,
			"type":      vv.Status.Type,
			"code":      vv.Status.Code,
			"arguments": vv.Status.Arguments,
			"info":      vv.Status.Info,
		}).Info("receiver_got_status_update")
	case *client2.ExpungeUpdate:
		mr.log.WithField("seq", vv.SeqNum).Trace("receiver_got_expunge_update")
	case *client2.MailboxUpdate:
		mr.log.WithFields(log.Fields{
			"name":     vv.Mailbox.Name,
			"messages": vv.Mailbox.Messages,
		}).Trace("receiver_got_mailbox_update")
		return true
	}

	return false
}

type quitter interface {
	FlagQuit()
}

func (mr *MailReceiver) run() {
	state := StateNone
	var nextToProcess []*messageState
	wantQuit := NewCounter()

	wantStopIdle := NewCounter()
	opChan := make(chan operation, 1)

	wantFetch := NewCounter() // Do we need to fetch again
	wantStore := NewCounter() // Do we need to flag/delete

	wantFetch.Flag()

	setState := func(s sstate) {
		mr.log.WithFields(log.Fields{
			"old": state,
			"new": s,
		}).Trace("receiver_state_change")
		state = s
	}

	for {
		mr.log.WithFields(log.Fields{
			"state":          state,
			"want_quit":      wantQuit.IsFlagged(),
			"want_fetch":     wantFetch.IsFlagged(),
			"want_store":     wantStore.IsFlagged(),
			"want_stop_idle": wantStopIdle.IsFlagged(),
		}).Trace("receiver_loop_start")

		op := OperationNone

		select {
		case <-mr.wantQuit:
			wantQuit.Flag()
			mr.cancel()
			if q, ok := mr.client.(quitter); ok {
				q.FlagQuit()
			}
		case upd := <-mr.updates:
			if mr.handleMessageUpdate(upd) {
				wantFetch.Flag()
			}
		case _r := <-mr.imapChannel:
			switch r := _r.(type) {
			case fetchResult:
				if state != StateInFetch {
					mr.log.WithField("state", state).Panic("receiver_fetch_outside_fetch")
				}

				// If we're quitting, just discard all new fetches
				if wantQuit.IsFlagged() {
					mr.log.WithField("uids", r.UIDs).Trace("receiver_ignoring_fetch_quitting")
					break
				}

				_ = mr.handleFetch(&r)
			case storeResult:
				if state != StateInStore {
					mr.log.WithField("state", state).Panic("receiver_store_outside_store")
				}

				// Failed flags are retried with the next batch.
				nextToProcess = append(nextToProcess, mr.handleStore(&r)...)
			default:
				mr.log.WithField("result", r).Panic("receiver_invalid_result")
			}
		case ack := <-mr.ackChannel:
			// ACKs should be handled in any state
			if msg := mr.handleAck(&ack); msg != nil {
				nextToProcess = append(nextToProcess, msg)
			}

			if mr.more && mr.unacked() < mr.windowSize {
				wantFetch.Flag()
			}
		case <-time.After(mr.fetchMaxInterval):
			op = OperationTimeout
		case op = <-opChan:
			break
		}

		if len(nextToProcess) > 0 && (uint(len(nextToProcess)) >= mr.batchSize || mr.unacked() == 0) {
			wantStore.Flag()
		}

		mr.log.WithFields(log.Fields{
			"state":     state,
			"operation": op,
		}).Trace("receiver_tick")

		switch state {
		case StateNone:
			switch op {
			case OperationNone:
				break
			case OperationTimeout:
				wantFetch.Flag()
				wantStore.FlagIf(len(nextToProcess) > 0)
			default:
				mr.log.WithFields(log.Fields{"state": state, "operation": op}).Panic("invalid_operation_for_state")
			}

			if wantQuit.IsFlagged() {
				// paranoia
				wantFetch.Reset()
				wantStore.Reset()
			}

			if wantStore.IsFlagged() {
				wantStore.Reset()

				if len(nextToProcess) > 0 {
					mr.log.WithField("count", len(nextToProcess)).Trace("receiver_store_start")
					setState(StateInStore)
					go func(toProcess []*messageState) {
						_ = mr.doStore(mr.client, toProcess, mr.imapChannel)
						opChan <- OperationStoreFinish
					}(nextToProcess)
					nextToProcess = nil
					continue
				}
			}

			if wantFetch.IsFlagged() && mr.unacked() < mr.windowSize {
				mr.log.Trace("receiver_fetch_start")
				wantFetch.Reset()
				setState(StateInFetch)

				req := mr.nextFetch()
				go func() {
					_ = mr.doFetch(mr.client, req, mr.imapChannel)
					opChan <- OperationFetchFinish
				}()
			} else if !wantQuit.IsFlagged() {
				mr.log.Trace("receiver_idle_start")
				setState(StateInIDLE)
				go func(stop <-chan struct{}) {
					mr.log.Trace("receiver_idle_go_start")
					err := mr.client.Idle(stop, &client2.IdleOptions{
						LogoutTimeout: 250 * time.Second, // Yahoo kills us after 5 mintues
						PollInterval:  mr.idleFallbackInterval,
					})
					if err != nil {
						mr.log.WithError(err).Warn("receiver_idle_failed")
						// Don't spin on a dead connection.
						select {
						case <-stop:
						case <-time.After(mr.idleFallbackInterval):
						}
					}
					opChan <- OperationIDLEFinish
					mr.log.Trace("receiver_idle_go_end")
				}(wantStopIdle.Channel())
			} else {
				goto done
			}

		case StateInIDLE:
			switch op {
			case OperationNone:
				break
			case OperationTimeout:
				wantFetch.Flag()
			case OperationIDLEFinish:
				mr.log.Trace("receiver_idle_finish")
				wantStopIdle.Reset()
				setState(StateNone)
				opChan <- OperationNone
				continue
			default:
				mr.log.WithFields(log.Fields{"state": state, "operation": op}).Panic("invalid_operation_for_state")
			}

			if wantQuit.IsFlagged() || wantStore.IsFlagged() || (wantFetch.IsFlagged() && mr.unacked() < mr.windowSize) {
				wantStopIdle.Flag()
			}
		case StateInFetch:
			switch op {
			case OperationNone, OperationTimeout:
				break
			case OperationFetchFinish:
				mr.log.Trace("receiver_fetch_finish")
				setState(StateNone)
				opChan <- OperationNone
			default:
				mr.log.WithFields(log.Fields{"state": state, "operation": op}).Panic("invalid_operation_for_state")
			}
		case StateInStore:
			switch op {
			case OperationNone:
				break
			case OperationStoreFinish:
				mr.log.Trace("receiver_store_finish")
				setState(StateNone)
				opChan <- OperationNone
			case OperationTimeout:
				wantFetch.Flag()
			default:
				mr.log.WithFields(log.Fields{"state": state, "operation": op}).Panic("invalid_operation_for_state")
			}
		}
	}

done:
	mr.log.WithField("state", state).Trace("receiver_loop_exit")

	mr.hasQuit <- struct{}{}
	mr.log.Trace("receiver_proc_quit")
}

func (mr *MailReceiver) Close() {
	mr.log.Trace("receiver_close_invoked")
	mr.wantQuit <- struct{}{}
	mr.log.Trace("receiver_close_waiting_for_quit")
	<-mr.hasQuit
	mr.log.Trace("receiver_close_have_quit")
	_ = mr.client.Logout()
	mr.log.Trace("receiver_close_logout")
}
