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

package securejoin

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/errdefs"
	"github.com/vs49688/mailchat/ingest"
	"github.com/vs49688/mailchat/mimemsg"
	"github.com/vs49688/mailchat/model"
	"github.com/vs49688/mailchat/outbox"
	"github.com/vs49688/mailchat/pgp"
	"github.com/vs49688/mailchat/store"
)

// HandleHandshake processes one incoming step inside the ingesting
// transaction. Steps that do not belong to a known handshake are rejected
// with a protocol error before anything is written.
func (e *Engine) HandleHandshake(tx *store.Tx, in *ingest.Incoming) (*ingest.HandshakeOutcome, error) {
	step := strings.ToLower(strings.TrimSpace(in.Step()))

	e.log.WithFields(log.Fields{
		"step":       step,
		"from":       in.Sender.Addr,
		"encryption": in.Encryption,
		"signer":     in.SignerFingerprint,
	}).Debug("securejoin_step_received")

	group := strings.HasPrefix(step, "vg-")
	if !group && !strings.HasPrefix(step, "vc-") {
		return nil, errdefs.Protocolf("unknown handshake step %q", step)
	}

	switch step {
	case stepAuthRequest:
		return e.handleAuthRequest(tx, in)
	case stepAuthConfirm:
		return e.handleAuthConfirm(tx, in)
	case stepMemberAdded:
		return e.handleMemberAdded(tx, in)
	}

	switch step[3:] {
	case stepRequest:
		return e.handleRequest(tx, in, group)
	case stepAuthRequired:
		return e.handleAuthRequired(tx, in, group)
	case stepRequestWithAuth:
		return e.handleRequestWithAuth(tx, in, group)
	case stepContactConfirm:
		return e.handleContactConfirm(tx, in, group)
	}
	return nil, errdefs.Protocolf("unknown handshake step %q", step)
}

// outcome attributes a hidden step to the 1:1 chat with the sender, if any.
func (e *Engine) outcome(tx *store.Tx, in *ingest.Incoming) (*ingest.HandshakeOutcome, error) {
	chat, err := tx.SingleChat(in.Sender.ID)
	if err != nil {
		return nil, err
	} else if chat == nil {
		return &ingest.HandshakeOutcome{}, nil
	}
	return &ingest.HandshakeOutcome{ChatID: chat.ID}, nil
}

func (e *Engine) groupOutcome(tx *store.Tx, grpid string) (*ingest.HandshakeOutcome, error) {
	chat, err := tx.ChatByGrpID(grpid)
	if err != nil {
		return nil, err
	} else if chat == nil {
		return &ingest.HandshakeOutcome{}, nil
	}
	return &ingest.HandshakeOutcome{ChatID: chat.ID}, nil
}

// invite returns the active invite whose token hashes to id.
func (e *Engine) invite(tx *store.Tx, id string) (*model.SecureJoinSession, error) {
	all, err := tx.Sessions()
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	for _, s := range all {
		if s.Role != model.RoleScanned || s.ContactID != 0 {
			continue
		}

		if s.State.Terminal() || s.Expired(now) {
			continue
		}

		if inviteID(s.Token) == id {
			return s, nil
		}
	}
	return nil, nil
}

func (e *Engine) activeInvite(tx *store.Tx, token string) (*model.SecureJoinSession, error) {
	s, err := tx.InviteByToken(token)
	if err != nil || s == nil {
		return nil, err
	}

	if s.State.Terminal() || s.Expired(e.clock.Now()) {
		return nil, nil
	}
	return s, nil
}

// fork starts the per-contact session for an invite, replacing any
// unfinished one.
func (e *Engine) fork(tx *store.Tx, invite *model.SecureJoinSession, c *model.Contact, fpr string) (*model.SecureJoinSession, error) {
	if err := e.abandon(tx, c.ID, model.RoleScanned); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	s := &model.SecureJoinSession{
		Role:        model.RoleScanned,
		State:       model.JoinAwaitingRequest,
		ContactID:   c.ID,
		Addr:        c.Addr,
		Fingerprint: fpr,
		Token:       invite.Token,
		GrpID:       invite.GrpID,
		GroupName:   invite.GroupName,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(e.handshakeTimeout),
	}
	if _, err := tx.InsertSession(s); err != nil {
		return nil, err
	}

	e.log.WithFields(e.fields(s)).Info("securejoin_session_forked")
	return s, nil
}

// handleRequest answers a scanner's first, unencrypted request with our
// key. The scanner checks it against the fingerprint in the QR code.
func (e *Engine) handleRequest(tx *store.Tx, in *ingest.Incoming, group bool) (*ingest.HandshakeOutcome, error) {
	invite, err := e.invite(tx, in.Parsed.Get(mimemsg.HeaderSecureJoinInvite))
	if err != nil {
		return nil, err
	} else if invite == nil {
		return nil, errdefs.Protocolf("request for unknown invite")
	} else if invite.IsGroup() != group {
		return nil, errdefs.Protocolf("request does not match invite")
	}

	if in.PeerState == nil || !in.PeerState.HasKey() {
		return nil, errdefs.Protocolf("request without key")
	}

	s, err := e.fork(tx, invite, in.Sender, in.PeerState.Fingerprint)
	if err != nil {
		return nil, err
	}

	if _, err := e.send(tx, s.Addr, stepName(s, stepAuthRequired), outbox.EncryptRequire); err != nil {
		return nil, err
	}

	e.progress(tx, s)
	return e.outcome(tx, in)
}

// handleAuthRequired checks the scanned side's key against the QR code and
// sends the token encrypted to it.
func (e *Engine) handleAuthRequired(tx *store.Tx, in *ingest.Incoming, group bool) (*ingest.HandshakeOutcome, error) {
	s, err := e.active(tx, in.Sender.ID, model.RoleScanner)
	if err != nil {
		return nil, err
	} else if s == nil {
		return nil, errdefs.Protocolf("no handshake in progress with %v", in.Sender.Addr)
	} else if s.IsGroup() != group {
		return nil, errdefs.Protocolf("step does not match handshake")
	} else if s.State != model.JoinRequestSent && s.State != model.JoinAwaitingContactConfirm {
		return nil, errdefs.Protocolf("unexpected step in state %v", s.State)
	}

	if in.Encryption == model.EncryptionNone || !in.Signed || in.SignerFingerprint != s.Fingerprint {
		if err := e.fail(tx, s, "key does not match invite fingerprint"); err != nil {
			return nil, err
		}
		return e.outcome(tx, in)
	}

	if err := e.sendRequestWithAuth(tx, s); err != nil {
		return nil, err
	}
	return e.outcome(tx, in)
}

// handleRequestWithAuth verifies the scanner. The token proves they scanned
// our code, the signature binds it to their key.
func (e *Engine) handleRequestWithAuth(tx *store.Tx, in *ingest.Incoming, group bool) (*ingest.HandshakeOutcome, error) {
	token := in.Parsed.Get(mimemsg.HeaderSecureJoinToken)

	invite, err := e.activeInvite(tx, token)
	if err != nil {
		return nil, err
	} else if invite == nil {
		return nil, errdefs.Protocolf("invalid token")
	} else if invite.IsGroup() != group || in.Parsed.Get(mimemsg.HeaderSecureJoinGroup) != invite.GrpID {
		return nil, errdefs.Protocolf("request does not match invite")
	}

	s, err := tx.ContactSession(in.Sender.ID, model.RoleScanned)
	if err != nil {
		return nil, err
	}

	// A repeat of a step already answered, under a new Message-ID.
	if s != nil && s.Token == token && s.Fingerprint != "" && s.Fingerprint == in.SignerFingerprint {
		switch s.State {
		case model.JoinVerified, model.JoinContactConfirmed, model.JoinAwaitingAuthConfirm:
			e.log.WithFields(e.fields(s)).Debug("securejoin_duplicate_step")
			return e.outcome(tx, in)
		}
	}

	if s != nil && (s.State.Terminal() || s.Expired(e.clock.Now())) {
		s = nil
	}

	if s == nil || s.Token != token || s.State != model.JoinAwaitingRequest {
		if s, err = e.fork(tx, invite, in.Sender, ""); err != nil {
			return nil, err
		}
	}

	var reason string
	switch {
	case in.Encryption == model.EncryptionNone || !in.Signed:
		reason = "request not encrypted and signed"
	case pgp.NormalizeFingerprint(in.Parsed.Get(mimemsg.HeaderSecureJoinFpr)) != e.self.Key.Fingerprint():
		reason = "request was made for a different key"
	case in.PeerState == nil || in.SignerFingerprint != in.PeerState.Fingerprint:
		reason = "request not signed by the sender's key"
	}
	if reason != "" {
		if err := e.fail(tx, s, reason); err != nil {
			return nil, err
		}
		return e.outcome(tx, in)
	}

	s.Fingerprint = in.SignerFingerprint
	if err := e.markVerified(tx, in.PeerState, in.SignerFingerprint); err != nil {
		return nil, err
	}

	if _, err := e.send(tx, s.Addr, stepName(s, stepContactConfirm), outbox.EncryptRequireVerified,
		mimemsg.Field{Key: mimemsg.HeaderSecureJoinToken, Value: s.Token},
	); err != nil {
		return nil, err
	}

	next := model.JoinVerified
	if s.IsGroup() {
		next = model.JoinContactConfirmed
	}
	if err := e.transition(tx, s, next); err != nil {
		return nil, err
	}
	return e.outcome(tx, in)
}

// handleContactConfirm completes a contact handshake on the scanner side,
// or moves a group join on to the group stage.
func (e *Engine) handleContactConfirm(tx *store.Tx, in *ingest.Incoming, group bool) (*ingest.HandshakeOutcome, error) {
	s, err := e.active(tx, in.Sender.ID, model.RoleScanner)
	if err != nil {
		return nil, err
	} else if s == nil {
		return nil, errdefs.Protocolf("no handshake in progress with %v", in.Sender.Addr)
	} else if in.Parsed.Get(mimemsg.HeaderSecureJoinToken) != s.Token {
		return nil, errdefs.Protocolf("invalid token")
	} else if s.IsGroup() != group {
		return nil, errdefs.Protocolf("step does not match handshake")
	} else if s.State != model.JoinRequestSent && s.State != model.JoinAwaitingContactConfirm {
		return nil, errdefs.Protocolf("unexpected step in state %v", s.State)
	}

	if !in.Signed || in.SignerFingerprint != s.Fingerprint || in.PeerState == nil || in.PeerState.Fingerprint != s.Fingerprint {
		if err := e.fail(tx, s, "confirmation not signed by the invite key"); err != nil {
			return nil, err
		}
		return e.outcome(tx, in)
	}

	if err := e.markVerified(tx, in.PeerState, s.Fingerprint); err != nil {
		return nil, err
	}

	if !s.IsGroup() {
		if _, err := tx.EnsureSingleChat(in.Sender, e.clock.Now()); err != nil {
			return nil, err
		}

		if err := e.transition(tx, s, model.JoinVerified); err != nil {
			return nil, err
		}
		return e.outcome(tx, in)
	}

	msg, err := e.send(tx, s.Addr, stepAuthRequest, outbox.EncryptRequireVerified,
		mimemsg.Field{Key: mimemsg.HeaderSecureJoinToken, Value: s.Token},
		mimemsg.Field{Key: mimemsg.HeaderSecureJoinGroup, Value: s.GrpID},
	)
	if err != nil {
		return nil, err
	}

	s.RequestMsgID = msg.ID
	if err := e.transition(tx, s, model.JoinAwaitingAuthRequest); err != nil {
		return nil, err
	}
	return e.outcome(tx, in)
}

// handleAuthRequest adds a verified joiner to the group and announces it
// to the existing members.
func (e *Engine) handleAuthRequest(tx *store.Tx, in *ingest.Incoming) (*ingest.HandshakeOutcome, error) {
	token := in.Parsed.Get(mimemsg.HeaderSecureJoinToken)
	grpid := in.Parsed.Get(mimemsg.HeaderSecureJoinGroup)

	s, err := e.active(tx, in.Sender.ID, model.RoleScanned)
	if err != nil {
		return nil, err
	} else if s == nil {
		return nil, errdefs.Protocolf("no handshake in progress with %v", in.Sender.Addr)
	} else if s.Token != token || s.GrpID != grpid {
		return nil, errdefs.Protocolf("invalid token")
	} else if s.State != model.JoinContactConfirmed {
		return nil, errdefs.Protocolf("unexpected step in state %v", s.State)
	}

	if in.Encryption != model.EncryptionVerified {
		if err := e.fail(tx, s, "group request not from a verified key"); err != nil {
			return nil, err
		}
		return e.outcome(tx, in)
	}

	chat, err := tx.ChatByGrpID(grpid)
	if err != nil {
		return nil, err
	}

	ok := chat != nil && chat.Kind == model.ChatVerifiedGroup
	if ok {
		if ok, err = tx.IsMember(chat.ID, model.ContactSelf); err != nil {
			return nil, err
		}
	}
	if !ok {
		if err := e.fail(tx, s, "group is no longer available"); err != nil {
			return nil, err
		}
		return e.outcome(tx, in)
	}

	if err := tx.AddMember(chat.ID, in.Sender.ID, e.clock.Now()); err != nil {
		return nil, err
	}

	if _, _, err := e.outbox.Send(tx, &outbox.Intent{
		ChatID: chat.ID,
		Text:   fmt.Sprintf("Member %v added.", in.Sender.Addr),
		Kind:   model.KindInfo,
		Headers: []mimemsg.Field{
			{Key: mimemsg.HeaderSecureJoin, Value: stepMemberAdded},
			{Key: mimemsg.HeaderChatGroupMemberAdded, Value: in.Sender.Addr},
		},
		Encrypt: outbox.EncryptRequireVerified,
	}); err != nil {
		return nil, err
	}

	msg, err := e.send(tx, s.Addr, stepAuthConfirm, outbox.EncryptRequireVerified,
		mimemsg.Field{Key: mimemsg.HeaderSecureJoinToken, Value: s.Token},
		mimemsg.Field{Key: mimemsg.HeaderSecureJoinGroup, Value: s.GrpID},
	)
	if err != nil {
		return nil, err
	}

	s.RequestMsgID = msg.ID
	if err := e.transition(tx, s, model.JoinAwaitingAuthConfirm); err != nil {
		return nil, err
	}
	return &ingest.HandshakeOutcome{ChatID: chat.ID}, nil
}

// handleAuthConfirm completes a group join on the scanner side. The
// member-added broadcast may have completed it already.
func (e *Engine) handleAuthConfirm(tx *store.Tx, in *ingest.Incoming) (*ingest.HandshakeOutcome, error) {
	token := in.Parsed.Get(mimemsg.HeaderSecureJoinToken)

	s, err := tx.ContactSession(in.Sender.ID, model.RoleScanner)
	if err != nil {
		return nil, err
	} else if s == nil || s.Token != token || !s.IsGroup() {
		return nil, errdefs.Protocolf("invalid token")
	}

	if s.State == model.JoinVerified {
		return e.groupOutcome(tx, s.GrpID)
	} else if s.State != model.JoinAwaitingAuthRequest || s.Expired(e.clock.Now()) {
		return nil, errdefs.Protocolf("unexpected step in state %v", s.State)
	}

	if in.Encryption != model.EncryptionVerified {
		if err := e.fail(tx, s, "group confirmation not from a verified key"); err != nil {
			return nil, err
		}
		return e.outcome(tx, in)
	}

	if err := e.transition(tx, s, model.JoinVerified); err != nil {
		return nil, err
	}
	return e.groupOutcome(tx, s.GrpID)
}

// handleMemberAdded lets the broadcast through as a group message. If it
// announces us, it also completes our pending join.
func (e *Engine) handleMemberAdded(tx *store.Tx, in *ingest.Incoming) (*ingest.HandshakeOutcome, error) {
	out := &ingest.HandshakeOutcome{PassThrough: true}

	added := store.NormalizeAddr(in.Parsed.Get(mimemsg.HeaderChatGroupMemberAdded))
	if added != store.NormalizeAddr(e.self.Addr) || in.Encryption != model.EncryptionVerified {
		return out, nil
	}

	s, err := e.active(tx, in.Sender.ID, model.RoleScanner)
	if err != nil {
		return nil, err
	} else if s == nil || s.State != model.JoinAwaitingAuthRequest {
		return out, nil
	} else if s.GrpID != in.Parsed.Get(mimemsg.HeaderChatGroupID) {
		return out, nil
	}

	if err := e.transition(tx, s, model.JoinVerified); err != nil {
		return nil, err
	}
	return out, nil
}
