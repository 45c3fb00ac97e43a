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

// Package outbox turns send intents into stored messages and queued jobs.
package outbox

import (
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/elliotchance/orderedmap"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/errdefs"
	"github.com/vs49688/mailchat/jobs"
	"github.com/vs49688/mailchat/mimemsg"
	"github.com/vs49688/mailchat/model"
	"github.com/vs49688/mailchat/pgp"
	"github.com/vs49688/mailchat/store"
)

// Identity is the account's own address and key pair.
type Identity struct {
	Addr string
	Name string
	Key  *pgp.Key
}

type EncryptMode int

const (
	// EncryptOpportunistic encrypts when every recipient has a key.
	EncryptOpportunistic EncryptMode = 0
	// EncryptRequire fails unless every recipient has a key.
	EncryptRequire EncryptMode = 1
	// EncryptRequireVerified fails unless every recipient is verified.
	EncryptRequireVerified EncryptMode = 2
	EncryptNever           EncryptMode = 3
)

// Intent describes a message the application or a protocol step wants
// sent. Recipients default to the chat's members.
type Intent struct {
	ChatID     int64
	To         []string
	Subject    string
	Text       string
	Kind       model.MessageKind
	Hidden     bool
	Headers    []mimemsg.Field
	InReplyTo  string
	Encrypt    EncryptMode
	RequestMDN bool
}

type Config struct {
	Self   Identity
	Crypto pgp.Adapter
	Queue  *jobs.Queue
	Clock  clock.Clock
	Logger *log.Entry
}

type Outbox struct {
	self   Identity
	crypto pgp.Adapter
	queue  *jobs.Queue
	clock  clock.Clock
	log    *log.Entry
}

func New(cfg *Config) *Outbox {
	o := &Outbox{
		self:   cfg.Self,
		crypto: cfg.Crypto,
		queue:  cfg.Queue,
		clock:  cfg.Clock,
		log:    cfg.Logger,
	}

	if o.crypto == nil {
		o.crypto = &pgp.OpenPGP{}
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.log == nil {
		o.log = log.NewEntry(log.StandardLogger())
	}
	return o
}

func (o *Outbox) Self() Identity {
	return o.self
}

// NewMessageID returns a fresh wire Message-ID in the account's domain.
func (o *Outbox) NewMessageID() string {
	domain := "localhost"
	if i := strings.LastIndexByte(o.self.Addr, '@'); i >= 0 {
		domain = o.self.Addr[i+1:]
	}
	return uuid.New().String() + "@" + domain
}

func (o *Outbox) autocrypt() (string, error) {
	ac := &pgp.Autocrypt{Addr: o.self.Addr, PreferEncrypt: model.PreferMutual, Key: o.self.Key}
	return ac.String()
}

func (o *Outbox) resolveChat(tx *store.Tx, in *Intent, now time.Time) (*model.Chat, error) {
	if in.ChatID != 0 {
		chat, err := tx.Chat(in.ChatID)
		if err != nil {
			return nil, err
		} else if chat == nil {
			return nil, errors.Errorf("no such chat %v", in.ChatID)
		}
		return chat, nil
	}

	if len(in.To) != 1 {
		return nil, errors.New("intent needs a chat or exactly one recipient")
	}

	c, err := tx.UpsertContact(in.To[0], "", now)
	if err != nil {
		return nil, err
	}
	return tx.EnsureSingleChat(c, now)
}

// recipients returns the deduplicated recipient addresses in order.
func (o *Outbox) recipients(tx *store.Tx, chat *model.Chat, in *Intent) ([]*mail.Address, error) {
	addrs := orderedmap.NewOrderedMap()
	self := store.NormalizeAddr(o.self.Addr)

	add := func(c *model.Contact) {
		if c.Addr != self {
			addrs.Set(c.Addr, &mail.Address{Name: c.Name, Address: c.Addr})
		}
	}

	if len(in.To) > 0 {
		for _, a := range in.To {
			c, err := tx.UpsertContact(a, "", o.clock.Now())
			if err != nil {
				return nil, err
			}
			add(c)
		}
	} else {
		ids, err := tx.Members(chat.ID)
		if err != nil {
			return nil, err
		}

		for _, id := range ids {
			c, err := tx.Contact(id)
			if err != nil {
				return nil, err
			} else if c != nil {
				add(c)
			}
		}
	}

	out := make([]*mail.Address, 0, addrs.Len())
	for el := addrs.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*mail.Address))
	}
	return out, nil
}

// recipientKeys collects one key per recipient for the mode. It returns
// nil keys (and no error) if an opportunistic message must go out plain.
func (o *Outbox) recipientKeys(tx *store.Tx, to []*mail.Address, mode EncryptMode) ([]*pgp.Key, []*model.PeerState, error) {
	if mode == EncryptNever {
		return nil, nil, nil
	}

	keys := make([]*pgp.Key, 0, len(to)+1)
	states := make([]*model.PeerState, 0, len(to))
	for _, a := range to {
		ps, err := tx.PeerState(a.Address)
		if err != nil {
			return nil, nil, err
		}

		var raw []byte
		if ps != nil {
			switch {
			case mode == EncryptRequireVerified:
				if ps.Verified {
					raw = ps.VerifiedKey
				}
			case len(ps.PublicKey) > 0:
				raw = ps.PublicKey
			default:
				raw = ps.GossipKey
			}
		}

		if len(raw) == 0 {
			if mode == EncryptOpportunistic {
				return nil, nil, nil
			}
			return nil, nil, errdefs.Protocolf("no usable key for %v", a.Address)
		}

		k, err := pgp.ParseKey(raw)
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, k)
		states = append(states, ps)
	}

	// Encrypt to ourselves as well so copies on the server stay readable.
	keys = append(keys, o.self.Key)
	return keys, states, nil
}

func gossipHeaders(states []*model.PeerState) ([]string, error) {
	var out []string
	for _, ps := range states {
		raw := ps.PublicKey
		if ps.Verified {
			raw = ps.VerifiedKey
		}

		k, err := pgp.ParseKey(raw)
		if err != nil {
			return nil, err
		}

		v, err := (&pgp.Autocrypt{Addr: ps.Addr, Key: k}).String()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Send stores the outgoing message and queues its delivery, all inside tx.
func (o *Outbox) Send(tx *store.Tx, in *Intent) (*model.Message, int64, error) {
	now := o.clock.Now()

	chat, err := o.resolveChat(tx, in, now)
	if err != nil {
		return nil, 0, err
	}

	to, err := o.recipients(tx, chat, in)
	if err != nil {
		return nil, 0, err
	} else if len(to) == 0 {
		return nil, 0, errors.New("no recipients")
	}

	mode := in.Encrypt
	if chat.Kind == model.ChatVerifiedGroup && mode != EncryptNever {
		mode = EncryptRequireVerified
	}

	out := &mimemsg.Outgoing{
		From:      &mail.Address{Name: o.self.Name, Address: o.self.Addr},
		To:        to,
		Date:      now,
		MessageID: o.NewMessageID(),
		Subject:   in.Subject,
		Text:      in.Text,
	}

	if out.Autocrypt, err = o.autocrypt(); err != nil {
		return nil, 0, err
	}

	if in.InReplyTo != "" {
		out.InReplyTo = in.InReplyTo
		parent, err := tx.MessageByMID(in.InReplyTo)
		if err != nil {
			return nil, 0, err
		} else if parent != nil {
			out.References = append(out.References, parent.References...)
		}
		out.References = append(out.References, in.InReplyTo)
	}

	if chat.Kind.IsGroup() && !hasHeader(in.Headers, mimemsg.HeaderChatGroupID) {
		out.Headers = append(out.Headers,
			mimemsg.Field{Key: mimemsg.HeaderChatGroupID, Value: chat.GrpID},
			mimemsg.Field{Key: mimemsg.HeaderChatGroupName, Value: chat.Name},
		)
	}
	if chat.Kind == model.ChatVerifiedGroup && !hasHeader(in.Headers, mimemsg.HeaderChatVerified) {
		out.Headers = append(out.Headers, mimemsg.Field{Key: mimemsg.HeaderChatVerified, Value: "1"})
	}
	if chat.EphemeralTimer > 0 {
		out.Headers = append(out.Headers, mimemsg.Field{
			Key:   mimemsg.HeaderEphemeralTimer,
			Value: strconv.FormatInt(int64(chat.EphemeralTimer/time.Second), 10),
		})
	}
	if in.RequestMDN {
		out.Headers = append(out.Headers, mimemsg.Field{Key: mimemsg.HeaderChatDispositionTo, Value: o.self.Addr})
	}
	out.Headers = append(out.Headers, in.Headers...)

	keys, states, err := o.recipientKeys(tx, to, mode)
	if err != nil {
		return nil, 0, err
	}

	encryption := model.EncryptionNone
	var raw []byte
	if keys != nil {
		var gossip []string
		if chat.Kind.IsGroup() && len(states) > 1 {
			if gossip, err = gossipHeaders(states); err != nil {
				return nil, 0, err
			}
		}

		inner, err := mimemsg.ComposeInner(out, gossip)
		if err != nil {
			return nil, 0, err
		}

		ct, err := o.crypto.EncryptAndSign(inner, keys, o.self.Key)
		if err != nil {
			return nil, 0, err
		}

		if raw, err = mimemsg.ComposeEncrypted(out, ct); err != nil {
			return nil, 0, err
		}

		encryption = model.EncryptionUnverified
		if mode == EncryptRequireVerified {
			encryption = model.EncryptionVerified
		}
	} else if raw, err = mimemsg.ComposePlain(out); err != nil {
		return nil, 0, err
	}

	msg := &model.Message{
		RFC724MID:      out.MessageID,
		ChatID:         chat.ID,
		FromID:         model.ContactSelf,
		Timestamp:      now,
		TimestampRcvd:  now,
		TimestampSort:  now,
		Encryption:     encryption,
		Kind:           in.Kind,
		State:          model.StatePending,
		Subject:        in.Subject,
		Text:           in.Text,
		ParentMID:      in.InReplyTo,
		References:     out.References,
		Hidden:         in.Hidden,
		EphemeralTimer: chat.EphemeralTimer,
	}
	if chat.EphemeralTimer > 0 {
		msg.EphemeralDeadline = now.Add(chat.EphemeralTimer)
	}

	if _, err := tx.InsertMessage(msg); err != nil {
		return nil, 0, err
	}

	rcpts := make([]string, 0, len(to))
	for _, a := range to {
		rcpts = append(rcpts, a.Address)
	}

	jobID, err := o.queue.Enqueue(tx, model.JobSendMessage, msg.ID, model.Envelope{
		From: o.self.Addr,
		To:   rcpts,
		Raw:  raw,
	})
	if err != nil {
		return nil, 0, err
	}

	if !in.Hidden {
		if err := tx.TouchChat(chat.ID, now); err != nil {
			return nil, 0, err
		}
	}

	o.log.WithFields(log.Fields{
		"msg_id":     msg.ID,
		"chat":       chat.ID,
		"job":        jobID,
		"recipients": len(rcpts),
		"encryption": encryption,
	}).Debug("outbox_message_queued")
	return msg, jobID, nil
}

// SendReceipt queues a disposition notification for an incoming message.
func (o *Outbox) SendReceipt(tx *store.Tx, to string, originalMID string) (int64, error) {
	out := &mimemsg.Outgoing{
		From:      &mail.Address{Name: o.self.Name, Address: o.self.Addr},
		To:        []*mail.Address{{Address: to}},
		Date:      o.clock.Now(),
		MessageID: o.NewMessageID(),
	}

	raw, err := mimemsg.ComposeReceipt(out, originalMID)
	if err != nil {
		return 0, err
	}

	return o.queue.Enqueue(tx, model.JobSendReceipt, 0, model.Envelope{
		From: o.self.Addr,
		To:   []string{to},
		Raw:  raw,
	})
}

func hasHeader(fields []mimemsg.Field, key string) bool {
	for _, f := range fields {
		if strings.EqualFold(f.Key, key) {
			return true
		}
	}
	return false
}

// CreateGroup creates a group chat with only ourselves as member. Others
// join via Send with a member-added header, or via a handshake for
// verified groups.
func (o *Outbox) CreateGroup(tx *store.Tx, name string, verified bool) (*model.Chat, error) {
	now := o.clock.Now()
	chat := &model.Chat{
		Kind:      model.ChatGroup,
		GrpID:     strings.ReplaceAll(uuid.New().String(), "-", ""),
		Name:      name,
		CreatedAt: now,
	}
	if verified {
		chat.Kind = model.ChatVerifiedGroup
	}

	if _, err := tx.CreateChat(chat); err != nil {
		return nil, err
	}

	if err := tx.AddMember(chat.ID, model.ContactSelf, now); err != nil {
		return nil, err
	}
	return chat, nil
}
