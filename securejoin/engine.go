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

// Package securejoin implements the QR-bootstrapped handshake that makes
// two contacts mutually verified and admits a contact to a verified group.
//
// The scanner learns the scanned side's fingerprint and a secret token from
// the QR code. Its first request carries only a hash of the token; the
// scanned side answers with its key, and the token itself is only ever sent
// encrypted to the key whose fingerprint was scanned.
package securejoin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/errdefs"
	"github.com/vs49688/mailchat/events"
	"github.com/vs49688/mailchat/mimemsg"
	"github.com/vs49688/mailchat/model"
	"github.com/vs49688/mailchat/outbox"
	"github.com/vs49688/mailchat/store"
)

const (
	DefaultHandshakeTimeout = 24 * time.Hour
	DefaultInviteLifetime   = 7 * 24 * time.Hour
)

// Handshake steps, as carried in the Secure-Join header. Most exist in a
// "vc-" (contact) and a "vg-" (group) flavour.
const (
	stepRequest         = "request"
	stepAuthRequired    = "auth-required"
	stepRequestWithAuth = "request-with-auth"
	stepContactConfirm  = "contact-confirm"
	stepAuthRequest     = "vg-auth-request"
	stepAuthConfirm     = "vg-auth-confirm"
	stepMemberAdded     = "vg-member-added"
)

type Config struct {
	Store  *store.Store
	Outbox *outbox.Outbox
	Events events.Emitter
	Clock  clock.Clock

	HandshakeTimeout time.Duration
	InviteLifetime   time.Duration
	Logger           *log.Entry
}

type Engine struct {
	store            *store.Store
	outbox           *outbox.Outbox
	self             outbox.Identity
	events           events.Emitter
	clock            clock.Clock
	handshakeTimeout time.Duration
	inviteLifetime   time.Duration
	log              *log.Entry
}

func New(cfg *Config) *Engine {
	e := &Engine{
		store:            cfg.Store,
		outbox:           cfg.Outbox,
		self:             cfg.Outbox.Self(),
		events:           cfg.Events,
		clock:            cfg.Clock,
		handshakeTimeout: cfg.HandshakeTimeout,
		inviteLifetime:   cfg.InviteLifetime,
		log:              cfg.Logger,
	}

	if e.events == nil {
		e.events = events.Discard{}
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.handshakeTimeout <= 0 {
		e.handshakeTimeout = DefaultHandshakeTimeout
	}
	if e.inviteLifetime <= 0 {
		e.inviteLifetime = DefaultInviteLifetime
	}
	if e.log == nil {
		e.log = log.NewEntry(log.StandardLogger())
	}
	return e
}

// inviteID is the public handle of a token, sent before the scanned key
// is confirmed.
func inviteID(token string) string {
	sum := sha256.Sum256([]byte("securejoin-invite:" + token))
	return hex.EncodeToString(sum[:16])
}

func newToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func stepName(s *model.SecureJoinSession, step string) string {
	if s.IsGroup() {
		return "vg-" + step
	}
	return "vc-" + step
}

func (e *Engine) fields(s *model.SecureJoinSession) log.Fields {
	return log.Fields{
		"session": s.ID,
		"role":    s.Role,
		"state":   s.State,
		"addr":    s.Addr,
		"grpid":   s.GrpID,
	}
}

// GenerateQRSession creates an invite for a 1:1 contact, or for the
// verified group chatID if it is non-zero.
func (e *Engine) GenerateQRSession(ctx context.Context, chatID int64) (*QR, *model.SecureJoinSession, error) {
	now := e.clock.Now()
	s := &model.SecureJoinSession{
		Role:        model.RoleScanned,
		State:       model.JoinAwaitingRequest,
		Addr:        e.self.Addr,
		Fingerprint: e.self.Key.Fingerprint(),
		Token:       newToken(),
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(e.inviteLifetime),
	}

	err := e.store.Transact(ctx, func(tx *store.Tx) error {
		if chatID != 0 {
			chat, err := tx.Chat(chatID)
			if err != nil {
				return err
			} else if chat == nil || chat.Kind != model.ChatVerifiedGroup {
				return errdefs.Protocolf("chat %v is not a verified group", chatID)
			}

			ok, err := tx.IsMember(chat.ID, model.ContactSelf)
			if err != nil {
				return err
			} else if !ok {
				return errdefs.Protocolf("not a member of chat %v", chatID)
			}

			s.GrpID, s.GroupName = chat.GrpID, chat.Name
		}

		_, err := tx.InsertSession(s)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	e.log.WithFields(e.fields(s)).Info("securejoin_invite_created")

	return &QR{
		Fingerprint: s.Fingerprint,
		Addr:        e.self.Addr,
		Name:        e.self.Name,
		Token:       s.Token,
		GrpID:       s.GrpID,
		GroupName:   s.GroupName,
	}, s, nil
}

// StartJoin begins a handshake as the scanner of qr. Any earlier
// unfinished handshake with the same contact is abandoned.
func (e *Engine) StartJoin(ctx context.Context, qr *QR) (*model.SecureJoinSession, error) {
	if qr.Fingerprint == e.self.Key.Fingerprint() || store.NormalizeAddr(qr.Addr) == store.NormalizeAddr(e.self.Addr) {
		return nil, errdefs.Protocolf("cannot join our own invite")
	}

	var s *model.SecureJoinSession
	err := e.store.Transact(ctx, func(tx *store.Tx) error {
		now := e.clock.Now()

		c, err := tx.UpsertContact(qr.Addr, qr.Name, now)
		if err != nil {
			return err
		}

		if err := e.abandon(tx, c.ID, model.RoleScanner); err != nil {
			return err
		}

		s = &model.SecureJoinSession{
			Role:        model.RoleScanner,
			State:       model.JoinRequestSent,
			ContactID:   c.ID,
			Addr:        c.Addr,
			Fingerprint: qr.Fingerprint,
			Token:       qr.Token,
			GrpID:       qr.GrpID,
			GroupName:   qr.GroupName,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(e.handshakeTimeout),
		}
		if _, err := tx.InsertSession(s); err != nil {
			return err
		}

		ps, err := tx.PeerState(c.Addr)
		if err != nil {
			return err
		}

		// With the scanned key already at hand the token can go out
		// encrypted straight away.
		if ps != nil && ps.Fingerprint == qr.Fingerprint {
			return e.sendRequestWithAuth(tx, s)
		}

		msg, err := e.send(tx, s.Addr, stepName(s, stepRequest), outbox.EncryptNever,
			mimemsg.Field{Key: mimemsg.HeaderSecureJoinInvite, Value: inviteID(s.Token)},
		)
		if err != nil {
			return err
		}

		s.RequestMsgID = msg.ID
		return tx.UpdateSession(s)
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(e.fields(s)).Info("securejoin_join_started")
	e.progress(nil, s)
	return s, nil
}

// send queues a hidden handshake message to one contact.
func (e *Engine) send(tx *store.Tx, to string, step string, mode outbox.EncryptMode, fields ...mimemsg.Field) (*model.Message, error) {
	headers := append([]mimemsg.Field{{Key: mimemsg.HeaderSecureJoin, Value: step}}, fields...)

	msg, _, err := e.outbox.Send(tx, &outbox.Intent{
		To:      []string{to},
		Subject: "Secure-Join: " + step,
		Text:    "Secure-Join: " + step,
		Kind:    model.KindHandshake,
		Hidden:  true,
		Headers: headers,
		Encrypt: mode,
	})
	return msg, err
}

func (e *Engine) sendRequestWithAuth(tx *store.Tx, s *model.SecureJoinSession) error {
	fields := []mimemsg.Field{
		{Key: mimemsg.HeaderSecureJoinToken, Value: s.Token},
		{Key: mimemsg.HeaderSecureJoinFpr, Value: s.Fingerprint},
	}
	if s.IsGroup() {
		fields = append(fields, mimemsg.Field{Key: mimemsg.HeaderSecureJoinGroup, Value: s.GrpID})
	}

	msg, err := e.send(tx, s.Addr, stepName(s, stepRequestWithAuth), outbox.EncryptRequire, fields...)
	if err != nil {
		return err
	}

	s.RequestMsgID = msg.ID
	s.UpdatedAt = e.clock.Now()
	return tx.UpdateSession(s)
}

// abandon ends the active session with a contact in a role, if any.
func (e *Engine) abandon(tx *store.Tx, contactID int64, role model.JoinRole) error {
	s, err := tx.ContactSession(contactID, role)
	if err != nil || s == nil || s.State.Terminal() {
		return err
	}

	s.State = model.JoinAbandoned
	s.UpdatedAt = e.clock.Now()
	if err := tx.UpdateSession(s); err != nil {
		return err
	}

	e.log.WithFields(e.fields(s)).Info("securejoin_session_abandoned")
	return nil
}

// active returns the unfinished, unexpired session with a contact.
func (e *Engine) active(tx *store.Tx, contactID int64, role model.JoinRole) (*model.SecureJoinSession, error) {
	s, err := tx.ContactSession(contactID, role)
	if err != nil || s == nil {
		return nil, err
	}

	if s.State.Terminal() || s.Expired(e.clock.Now()) {
		return nil, nil
	}
	return s, nil
}

func (e *Engine) transition(tx *store.Tx, s *model.SecureJoinSession, state model.JoinState) error {
	s.State = state
	s.UpdatedAt = e.clock.Now()
	if err := tx.UpdateSession(s); err != nil {
		return err
	}

	e.log.WithFields(e.fields(s)).Info("securejoin_transition")
	e.progress(tx, s)
	return nil
}

// progress emits a progress event, after tx commits if tx is non-nil.
func (e *Engine) progress(tx *store.Tx, s *model.SecureJoinSession) {
	ev := events.Event{
		Type:      events.SecureJoinProgress,
		Time:      e.clock.Now(),
		ContactID: s.ContactID,
		SessionID: s.ID,
		Detail:    s.State.String(),
	}

	if tx == nil {
		e.events.Emit(ev)
		return
	}
	tx.OnCommit(func() { e.events.Emit(ev) })
}

// fail aborts a session after a cryptographic check failed.
func (e *Engine) fail(tx *store.Tx, s *model.SecureJoinSession, reason string) error {
	s.State = model.JoinFailed
	s.Error = reason
	s.UpdatedAt = e.clock.Now()
	if err := tx.UpdateSession(s); err != nil {
		return err
	}

	e.log.WithFields(e.fields(s)).WithField("reason", reason).Warn("securejoin_failed")

	ev := events.Event{
		Type:      events.SecureJoinFailed,
		Time:      s.UpdatedAt,
		ContactID: s.ContactID,
		SessionID: s.ID,
		Detail:    reason,
		Err:       errdefs.Cryptof("%v", reason),
	}
	tx.OnCommit(func() { e.events.Emit(ev) })
	return nil
}

// markVerified records that the contact's key with fingerprint fpr was
// confirmed by a handshake.
func (e *Engine) markVerified(tx *store.Tx, ps *model.PeerState, fpr string) error {
	now := e.clock.Now()

	ps.Verified = true
	ps.VerifiedKey = ps.PublicKey
	ps.VerifiedFingerprint = fpr
	ps.VerifierID = model.ContactSelf
	if err := tx.PutPeerState(ps); err != nil {
		return err
	}

	if err := tx.AppendPeerEvent(ps.Addr, fpr, model.PeerEventVerified, "securejoin", now); err != nil {
		return err
	}

	ev := events.Event{Type: events.ContactVerified, Time: now, ContactID: ps.ContactID, Detail: "securejoin"}
	tx.OnCommit(func() { e.events.Emit(ev) })
	return nil
}

// ExpireSessions times out sessions past their deadline.
func (e *Engine) ExpireSessions(ctx context.Context) (int, error) {
	var expired []*model.SecureJoinSession
	err := e.store.Transact(ctx, func(tx *store.Tx) error {
		now := e.clock.Now()

		var err error
		if expired, err = tx.ExpiredSessions(now); err != nil {
			return err
		}

		for _, s := range expired {
			s.State = model.JoinTimedOut
			s.Error = "timed out"
			s.UpdatedAt = now
			if err := tx.UpdateSession(s); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, s := range expired {
		e.log.WithFields(e.fields(s)).Info("securejoin_timed_out")
		e.events.Emit(events.Event{
			Type:      events.SecureJoinTimedOut,
			Time:      s.UpdatedAt,
			ContactID: s.ContactID,
			SessionID: s.ID,
		})
	}
	return len(expired), nil
}

// JobDelivered advances sessions waiting for one of their steps to be sent.
func (e *Engine) JobDelivered(tx *store.Tx, job *model.Job) error {
	if job.Kind != model.JobSendMessage || job.MsgID == 0 {
		return nil
	}

	s, err := tx.SessionByRequest(job.MsgID)
	if err != nil || s == nil {
		return err
	}

	switch {
	case s.Role == model.RoleScanner && s.State == model.JoinRequestSent:
		return e.transition(tx, s, model.JoinAwaitingContactConfirm)
	case s.Role == model.RoleScanned && s.State == model.JoinAwaitingAuthConfirm:
		return e.transition(tx, s, model.JoinVerified)
	}
	return nil
}

func (e *Engine) Session(ctx context.Context, id int64) (s *model.SecureJoinSession, err error) {
	err = e.store.Transact(ctx, func(tx *store.Tx) error {
		s, err = tx.Session(id)
		return err
	})
	return
}
