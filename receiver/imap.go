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

package receiver

import (
	"io"

	"github.com/emersion/go-imap"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	imap2 "github.com/vs49688/mailchat/imap"
)

var bodySection = &imap.BodySectionName{Peek: true}

func fetchItems() []imap.FetchItem {
	return []imap.FetchItem{imap.FetchUid, imap.FetchFlags, imap.FetchInternalDate, bodySection.FetchItem()}
}

func (mr *MailReceiver) doFetch(client imap2.Client, req fetchRequest, result chan<- interface{}) error {
	logger := mr.log.WithFields(log.Fields{"from": req.From, "refetch": req.Refetch, "limit": req.Limit})
	logger.Trace("receiver_fetching_messages")

	if mr.limiter != nil {
		if err := mr.limiter.Wait(mr.ctx); err != nil {
			return err
		}
	}

	mbStatus := client.Mailbox()
	if mbStatus == nil {
		logger.Warn("receiver_no_mailbox")
		return errors.New("no mailbox selected")
	}

	logger.WithFields(log.Fields{
		"name":         mbStatus.Name,
		"num_messages": mbStatus.Messages,
		"uid_validity": mbStatus.UidValidity,
		"uid_next":     mbStatus.UidNext,
	}).Trace("receiver_mailbox_status")

	from, refetch := req.From, req.Refetch
	if mbStatus.UidValidity != req.UIDValidity {
		from, refetch = 0, nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(from+1, 0)

	found, err := client.UidSearch(criteria)
	if err != nil {
		logger.WithError(err).Error("receiver_search_failed")
		return err
	}

	uids, more := selectWindow(found, from, req.Limit)

	res := fetchResult{
		UIDValidity: mbStatus.UidValidity,
		Messages:    map[uint32]*Message{},
		More:        more,
		Refetched:   refetch,
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(refetch...)
	seqset.AddNum(uids...)

	if seqset.Empty() {
		result <- res
		return nil
	}

	ch := make(chan *imap.Message)
	done := make(chan error, 1)
	go func() {
		done <- client.UidFetch(seqset, fetchItems(), ch)
	}()

	res.UIDs, res.Messages = readMessages(mbStatus.Name, ch)

	if err := <-done; err != nil {
		logger.WithError(err).Error("receiver_fetch_failed")
		return err
	}

	logger.WithField("uids", res.UIDs).Trace("receiver_fetch_succeeded")
	result <- res
	return nil
}

func convertMessage(folder string, msg *imap.Message) *Message {
	m := &Message{
		Folder:       folder,
		UID:          msg.Uid,
		Flags:        msg.Flags,
		InternalDate: msg.InternalDate,
	}

	if lit := msg.GetBody(bodySection); lit != nil {
		if b, err := io.ReadAll(lit); err == nil {
			m.Body = b
		}
	}

	return m
}

func (mr *MailReceiver) doStore(client imap2.Client, toProcess []*messageState, result chan<- interface{}) error {
	if mr.limiter != nil {
		if err := mr.limiter.Wait(mr.ctx); err != nil {
			result <- storeResult{Failed: toProcess}
			return err
		}
	}

	var toDelete, toSee []*messageState
	for _, msg := range toProcess {
		if msg.Remove && !mr.disableDeletions {
			toDelete = append(toDelete, msg)
		} else {
			toSee = append(toSee, msg)
		}
	}

	res := storeResult{}
	addFlag := func(msgs []*messageState, flag string) error {
		if len(msgs) == 0 {
			return nil
		}

		seqset := new(imap.SeqSet)
		for _, msg := range msgs {
			seqset.AddNum(msg.UID)
		}

		err := client.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{flag}, nil)
		if err != nil {
			mr.log.WithError(err).WithField("flag", flag).Error("receiver_store_failed")
			res.Failed = append(res.Failed, msgs...)
			return err
		}

		res.Done = append(res.Done, msgs...)
		return nil
	}

	seenErr := addFlag(toSee, imap.SeenFlag)
	deleteErr := addFlag(toDelete, imap.DeletedFlag)

	if deleteErr == nil && len(toDelete) > 0 {
		// Expunge. We don't use the returned sequence numbers, a message
		// that survives is simply expunged next time around.
		if err := client.Expunge(nil); err != nil {
			mr.log.WithError(err).Error("receiver_expunge_failed")
		}
	}

	result <- res

	if seenErr != nil {
		return seenErr
	}
	return deleteErr
}
