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

package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/events"
	"github.com/vs49688/mailchat/mimemsg"
	"github.com/vs49688/mailchat/model"
	"github.com/vs49688/mailchat/store"
)

// deliver stores a chat message and applies its side effects on the chat.
func (p *Pipeline) deliver(tx *store.Tx, in *ingestion) (*Result, error) {
	parsed := in.parsed

	chat, created, err := p.resolveChat(tx, in)
	if err != nil {
		return nil, err
	}

	if err := p.applyGossip(tx, in); err != nil {
		return nil, err
	}

	var msgErr string
	if chat.Kind.IsGroup() {
		if msgErr, err = p.applyMembership(tx, in, chat, created); err != nil {
			return nil, err
		}
	}

	if in.decryptErr != nil {
		msgErr = "decryption failed: " + in.decryptErr.Error()
	} else if chat.Kind == model.ChatVerifiedGroup && in.encryption != model.EncryptionVerified && msgErr == "" {
		msgErr = "message is not verified"
	}

	timer, err := p.applyEphemeral(tx, in, chat)
	if err != nil {
		return nil, err
	}

	sortTS, parent, err := p.sortTimestamp(tx, in, chat)
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		RFC724MID:      in.mid,
		ChatID:         chat.ID,
		FromID:         in.sender.ID,
		Timestamp:      in.date,
		TimestampRcvd:  in.rcvd,
		TimestampSort:  sortTS,
		Encryption:     in.encryption,
		Kind:           messageKind(parsed),
		State:          model.StateReceived,
		Subject:        parsed.Subject,
		Text:           parsed.Text,
		ParentMID:      parent,
		References:     parsed.References,
		Error:          msgErr,
		EphemeralTimer: timer,
		Folder:         in.raw.Folder,
		UID:            in.raw.UID,
	}

	switch {
	case in.fromSelf:
		msg.State = model.StateDelivered
	case hasFlag(in.raw.Flags, seenFlag):
		msg.State = model.StateSeen
	}

	if in.decryptErr != nil {
		msg.Text = ""
	} else if msg.Kind == model.KindInfo && strings.TrimSpace(msg.Text) == "" {
		msg.Text = infoText(parsed, in.sender)
	}

	if timer > 0 {
		msg.EphemeralDeadline = in.now.Add(timer)
	}

	if _, err := tx.InsertMessage(msg); err != nil {
		return nil, err
	}

	if err := tx.MarkSeen(in.mid, in.sender.Addr, in.now); err != nil {
		return nil, err
	}

	if err := tx.TouchChat(chat.ID, sortTS); err != nil {
		return nil, err
	}

	if p.wantsReceipt(in) {
		if _, err := p.outbox.SendReceipt(tx, in.sender.Addr, in.mid); err != nil {
			return nil, err
		}
	}

	in.emit(events.Event{
		Type:      events.MessageReceived,
		ChatID:    chat.ID,
		MsgID:     msg.ID,
		ContactID: in.sender.ID,
	})

	p.log.WithFields(in.fields()).WithFields(log.Fields{
		"msg_id":     msg.ID,
		"chat":       chat.ID,
		"encryption": in.encryption,
		"kind":       msg.Kind,
	}).Info("ingest_message_stored")

	return &Result{MsgID: msg.ID, ChatID: chat.ID, Disposition: DispositionKeep}, nil
}

func (p *Pipeline) wantsReceipt(in *ingestion) bool {
	return p.sendReceipts && p.outbox != nil && !in.fromSelf && in.decryptErr == nil &&
		in.parsed.Get(mimemsg.HeaderChatDispositionTo) != ""
}

func messageKind(m *mimemsg.Message) model.MessageKind {
	if m.Get(mimemsg.HeaderChatGroupMemberAdded) != "" || m.Get(mimemsg.HeaderChatGroupMemberRemov) != "" {
		return model.KindInfo
	}

	for _, a := range m.Attachments {
		if strings.HasSuffix(strings.ToLower(a.Filename), ".xdc") || a.MediaType == "application/webxdc+zip" {
			return model.KindWebxdc
		}
	}

	if len(m.Attachments) > 0 {
		return model.KindFile
	}
	return model.KindText
}

func infoText(m *mimemsg.Message, sender *model.Contact) string {
	if a := m.Get(mimemsg.HeaderChatGroupMemberAdded); a != "" {
		return fmt.Sprintf("Member %v added by %v.", a, sender.Addr)
	}
	if r := m.Get(mimemsg.HeaderChatGroupMemberRemov); r != "" {
		if store.NormalizeAddr(r) == sender.Addr {
			return fmt.Sprintf("%v left the group.", r)
		}
		return fmt.Sprintf("Member %v removed by %v.", r, sender.Addr)
	}
	return ""
}

// resolveChat picks the chat for a message: the group named by its group
// ID, else a group it replies into, else the 1:1 chat with its sender.
func (p *Pipeline) resolveChat(tx *store.Tx, in *ingestion) (*model.Chat, bool, error) {
	if grpid := in.parsed.Get(mimemsg.HeaderChatGroupID); grpid != "" {
		chat, err := tx.ChatByGrpID(grpid)
		if err != nil {
			return nil, false, err
		} else if chat != nil {
			return chat, false, nil
		}

		chat, err = p.createGroup(tx, in, grpid)
		return chat, err == nil, err
	}

	chat, err := p.threadChat(tx, in)
	if err != nil || chat != nil {
		return chat, false, err
	}

	contact := in.sender
	if in.fromSelf && len(in.parsed.To) > 0 {
		to := in.parsed.To[0]
		if contact, err = tx.UpsertContact(to.Address, to.Name, in.now); err != nil {
			return nil, false, err
		}
	}

	chat, err = tx.EnsureSingleChat(contact, in.now)
	return chat, false, err
}

// threadChat finds a group the message replies into. Only groups the
// sender belongs to are considered.
func (p *Pipeline) threadChat(tx *store.Tx, in *ingestion) (*model.Chat, error) {
	refs := make([]string, 0, len(in.parsed.InReplyTo)+len(in.parsed.References))
	refs = append(refs, in.parsed.InReplyTo...)
	for i := len(in.parsed.References) - 1; i >= 0; i-- {
		refs = append(refs, in.parsed.References[i])
	}

	for _, mid := range refs {
		parent, err := tx.MessageByMID(mid)
		if err != nil {
			return nil, err
		} else if parent == nil || parent.ChatID == 0 {
			continue
		}

		chat, err := tx.Chat(parent.ChatID)
		if err != nil {
			return nil, err
		} else if chat == nil || !chat.Kind.IsGroup() {
			continue
		}

		ok, err := tx.IsMember(chat.ID, in.sender.ID)
		if err != nil {
			return nil, err
		} else if ok {
			return chat, nil
		}
	}
	return nil, nil
}

func (p *Pipeline) createGroup(tx *store.Tx, in *ingestion, grpid string) (*model.Chat, error) {
	kind := model.ChatGroup
	if in.parsed.Get(mimemsg.HeaderChatVerified) == "1" {
		if in.encryption == model.EncryptionVerified {
			kind = model.ChatVerifiedGroup
		} else {
			p.log.WithFields(in.fields()).WithField("grpid", grpid).Warn("ingest_unverified_group_claim")
		}
	}

	name := in.parsed.Get(mimemsg.HeaderChatGroupName)
	if name == "" {
		name = in.parsed.Subject
	}

	chat := &model.Chat{
		Kind:      kind,
		GrpID:     grpid,
		Name:      name,
		CreatedAt: in.now,
	}
	if _, err := tx.CreateChat(chat); err != nil {
		return nil, err
	}

	p.log.WithFields(in.fields()).WithFields(log.Fields{
		"chat":  chat.ID,
		"grpid": grpid,
		"kind":  kind,
	}).Info("ingest_group_created")
	return chat, nil
}

// applyMembership applies the membership changes a group message carries.
// All changes are timestamped with the message date so they commute. In
// verified groups, changes without a verified provenance are rejected and
// the returned string explains why.
func (p *Pipeline) applyMembership(tx *store.Tx, in *ingestion, chat *model.Chat, created bool) (string, error) {
	added := in.parsed.Get(mimemsg.HeaderChatGroupMemberAdded)
	removed := in.parsed.Get(mimemsg.HeaderChatGroupMemberRemov)

	if chat.Kind == model.ChatVerifiedGroup {
		verified := in.encryption == model.EncryptionVerified && in.parsed.Get(mimemsg.HeaderChatVerified) == "1"

		if created {
			if err := p.addRecipients(tx, in, chat, removed); err != nil {
				return "", err
			}
		}

		if added != "" {
			if !verified || in.parsed.Get(mimemsg.HeaderSecureJoin) != "vg-member-added" {
				return p.rejectChange(in, chat, "addition of "+added), nil
			}
			if err := p.addMember(tx, in, chat, added); err != nil {
				return "", err
			}
		}

		if removed != "" {
			if !verified {
				return p.rejectChange(in, chat, "removal of "+removed), nil
			}
			if err := p.removeMember(tx, in, chat, removed); err != nil {
				return "", err
			}
		}
		return "", nil
	}

	if err := p.addRecipients(tx, in, chat, removed); err != nil {
		return "", err
	}

	if added != "" {
		if err := p.addMember(tx, in, chat, added); err != nil {
			return "", err
		}
	}

	if removed != "" {
		if err := p.removeMember(tx, in, chat, removed); err != nil {
			return "", err
		}
	}
	return "", nil
}

func (p *Pipeline) rejectChange(in *ingestion, chat *model.Chat, what string) string {
	detail := "rejected unverified " + what
	in.emit(events.Event{
		Type:      events.MemberChangeRejected,
		ChatID:    chat.ID,
		ContactID: in.sender.ID,
		Detail:    detail,
	})

	p.log.WithFields(in.fields()).WithFields(log.Fields{
		"chat":       chat.ID,
		"sender":     in.sender.Addr,
		"encryption": in.encryption,
	}).Warn("ingest_member_change_rejected")
	return detail
}

// addRecipients makes the sender and every listed recipient a member as
// of the message date.
func (p *Pipeline) addRecipients(tx *store.Tx, in *ingestion, chat *model.Chat, except string) error {
	except = store.NormalizeAddr(except)

	if err := tx.AddMember(chat.ID, in.sender.ID, in.date); err != nil {
		return err
	}

	for _, a := range in.parsed.To {
		if store.NormalizeAddr(a.Address) == except {
			continue
		}

		c, err := tx.UpsertContact(a.Address, a.Name, in.now)
		if err != nil {
			return err
		}

		if err := tx.AddMember(chat.ID, c.ID, in.date); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) addMember(tx *store.Tx, in *ingestion, chat *model.Chat, addr string) error {
	c, err := tx.UpsertContact(addr, "", in.now)
	if err != nil {
		return err
	}
	return tx.AddMember(chat.ID, c.ID, in.date)
}

func (p *Pipeline) removeMember(tx *store.Tx, in *ingestion, chat *model.Chat, addr string) error {
	c, err := tx.UpsertContact(addr, "", in.now)
	if err != nil {
		return err
	}
	return tx.RemoveMember(chat.ID, c.ID, in.date)
}

// applyEphemeral returns the ephemeral timer for the message. A timer
// announced by the message also becomes the chat's timer.
func (p *Pipeline) applyEphemeral(tx *store.Tx, in *ingestion, chat *model.Chat) (time.Duration, error) {
	v := in.parsed.Get(mimemsg.HeaderEphemeralTimer)
	if v == "" {
		return chat.EphemeralTimer, nil
	}

	secs, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		p.log.WithError(err).WithFields(in.fields()).Warn("ingest_bad_ephemeral_timer")
		return chat.EphemeralTimer, nil
	}

	timer := time.Duration(secs) * time.Second
	if timer != chat.EphemeralTimer {
		if err := tx.SetEphemeralTimer(chat.ID, timer); err != nil {
			return 0, err
		}
		chat.EphemeralTimer = timer
	}
	return timer, nil
}

// sortTimestamp places a message at the earlier of its sent and received
// times, but never before the message it replies to.
func (p *Pipeline) sortTimestamp(tx *store.Tx, in *ingestion, chat *model.Chat) (time.Time, string, error) {
	ts := in.date
	if in.rcvd.Before(ts) {
		ts = in.rcvd
	}

	var parentMID string
	if len(in.parsed.InReplyTo) > 0 {
		parentMID = in.parsed.InReplyTo[0]
	} else if n := len(in.parsed.References); n > 0 {
		parentMID = in.parsed.References[n-1]
	}

	if parentMID == "" {
		return ts, "", nil
	}

	parent, err := tx.MessageByMID(parentMID)
	if err != nil {
		return time.Time{}, "", err
	}

	if parent != nil && parent.ChatID == chat.ID && !parent.TimestampSort.Before(ts) {
		ts = parent.TimestampSort.Add(time.Millisecond)
	}
	return ts, parentMID, nil
}
