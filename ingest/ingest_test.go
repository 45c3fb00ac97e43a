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
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/vs49688/mailchat/events"
	"github.com/vs49688/mailchat/internal"
	"github.com/vs49688/mailchat/mimemsg"
	"github.com/vs49688/mailchat/model"
	"github.com/vs49688/mailchat/outbox"
	"github.com/vs49688/mailchat/pgp"
	"github.com/vs49688/mailchat/store"
)

var epoch = time.Date(2022, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t        *testing.T
	self     outbox.Identity
	store    *store.Store
	clock    *clock.Mock
	events   <-chan events.Event
	pipeline *Pipeline
}

func newFixture(t *testing.T, selfKey *pgp.Key, hs Handshaker) *fixture {
	self := outbox.Identity{Addr: "alice@example.org", Name: "Alice", Key: selfKey}
	s := internal.NewTestStore(t, self.Addr)

	clk := clock.NewMock()
	clk.Set(epoch)

	bus := events.NewBus(nil)
	ch, unsub := bus.Subscribe(128)
	t.Cleanup(unsub)

	p := NewPipeline(&Config{
		Store:      s,
		Self:       self,
		Handshaker: hs,
		Events:     bus,
		Clock:      clk,
	})
	t.Cleanup(func() { _ = p.Close() })

	return &fixture{t: t, self: self, store: s, clock: clk, events: ch, pipeline: p}
}

func (f *fixture) ingest(uid uint32, raw []byte, flags ...string) *Result {
	res, err := f.pipeline.Ingest(context.Background(), &RawMessage{
		Folder:     "INBOX",
		UID:        uid,
		Flags:      flags,
		Body:       raw,
		ReceivedAt: f.clock.Now(),
	})
	if !assert.NoError(f.t, err) || !assert.NotNil(f.t, res) {
		f.t.FailNow()
	}
	return res
}

func (f *fixture) tx(fn func(tx *store.Tx) error) {
	if err := f.store.Transact(context.Background(), fn); !assert.NoError(f.t, err) {
		f.t.FailNow()
	}
}

func (f *fixture) message(id int64) (msg *model.Message) {
	f.tx(func(tx *store.Tx) (err error) {
		msg, err = tx.Message(id)
		return
	})
	if !assert.NotNil(f.t, msg) {
		f.t.FailNow()
	}
	return
}

func (f *fixture) peer(addr string) (ps *model.PeerState) {
	f.tx(func(tx *store.Tx) (err error) {
		ps, err = tx.PeerState(addr)
		return
	})
	return
}

func (f *fixture) members(chatID int64) (addrs []string) {
	f.tx(func(tx *store.Tx) error {
		ids, err := tx.Members(chatID)
		if err != nil {
			return err
		}

		for _, id := range ids {
			c, err := tx.Contact(id)
			if err != nil {
				return err
			}
			addrs = append(addrs, c.Addr)
		}
		return nil
	})
	return
}

// drain returns the event types emitted so far.
func (f *fixture) drain() []events.Type {
	var out []events.Type
	for {
		select {
		case ev := <-f.events:
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func autocryptFor(t *testing.T, addr string, key *pgp.Key) string {
	v, err := (&pgp.Autocrypt{Addr: addr, PreferEncrypt: model.PreferMutual, Key: key}).String()
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return v
}

func addrs(list ...string) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}

func outgoing(from string, mid string, date time.Time, to ...string) *mimemsg.Outgoing {
	return &mimemsg.Outgoing{
		From:      &mail.Address{Address: from},
		To:        addrs(to...),
		Date:      date,
		MessageID: mid,
		Subject:   "hello",
		Text:      "hi there",
	}
}

func plain(t *testing.T, o *mimemsg.Outgoing) []byte {
	raw, err := mimemsg.ComposePlain(o)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return raw
}

func encrypted(t *testing.T, o *mimemsg.Outgoing, gossip []string, signer *pgp.Key, to ...*pgp.Key) []byte {
	inner, err := mimemsg.ComposeInner(o, gossip)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	ct, err := (&pgp.OpenPGP{}).EncryptAndSign(inner, to, signer)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	raw, err := mimemsg.ComposeEncrypted(o, ct)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return raw
}

func verifyPeer(f *fixture, addr string, key *pgp.Key) {
	raw, err := key.PublicBytes()
	if !assert.NoError(f.t, err) {
		f.t.FailNow()
	}

	f.tx(func(tx *store.Tx) error {
		c, err := tx.UpsertContact(addr, "", epoch)
		if err != nil {
			return err
		}

		return tx.PutPeerState(&model.PeerState{
			Addr:                addr,
			ContactID:           c.ID,
			PublicKey:           raw,
			Fingerprint:         key.Fingerprint(),
			KeyTimestamp:        epoch.Add(-time.Hour),
			Verified:            true,
			VerifiedKey:         raw,
			VerifiedFingerprint: key.Fingerprint(),
		})
	})
}

func TestIngestPlainMessage(t *testing.T) {
	alice := internal.NewTestKey(t, "alice@example.org")
	bob := internal.NewTestKey(t, "bob@example.org")
	f := newFixture(t, alice, nil)

	o := outgoing("bob@example.org", "m1@example.org", epoch.Add(-time.Minute), "alice@example.org")
	o.Autocrypt = autocryptFor(t, "bob@example.org", bob)

	res := f.ingest(1, plain(t, o))
	assert.False(t, res.Duplicate)
	assert.Equal(t, DispositionKeep, res.Disposition)

	msg := f.message(res.MsgID)
	assert.Equal(t, "m1@example.org", msg.RFC724MID)
	assert.Equal(t, "hi there", msg.Text)
	assert.Equal(t, model.EncryptionNone, msg.Encryption)
	assert.Equal(t, model.StateReceived, msg.State)
	assert.Equal(t, res.ChatID, msg.ChatID)
	assert.Equal(t, epoch.Add(-time.Minute), msg.TimestampSort)

	ps := f.peer("bob@example.org")
	if assert.NotNil(t, ps) {
		assert.Equal(t, bob.Fingerprint(), ps.Fingerprint)
		assert.False(t, ps.Verified)
	}

	assert.Equal(t, []events.Type{events.MessageReceived}, f.drain())
}

func TestIngestIsIdempotent(t *testing.T) {
	f := newFixture(t, internal.NewTestKey(t, "alice@example.org"), nil)

	raw := plain(t, outgoing("bob@example.org", "m1@example.org", epoch, "alice@example.org"))

	first := f.ingest(1, raw)
	second := f.ingest(2, raw)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MsgID, second.MsgID)
	assert.Equal(t, first.ChatID, second.ChatID)

	var msgs []*model.Message
	f.tx(func(tx *store.Tx) (err error) {
		msgs, err = tx.ChatMessages(first.ChatID)
		return
	})
	assert.Len(t, msgs, 1)
	assert.Equal(t, []events.Type{events.MessageReceived}, f.drain())

	// A later copy flagged seen only updates the seen state.
	third := f.ingest(3, raw, "\\Seen")
	assert.True(t, third.Duplicate)
	assert.Equal(t, model.StateSeen, f.message(first.MsgID).State)
	assert.Empty(t, f.drain())
}

func TestIngestMalformed(t *testing.T) {
	f := newFixture(t, internal.NewTestKey(t, "alice@example.org"), nil)

	raw := []byte("From: <<<\r\nSubject: broken\r\n\r\nbody\r\n")

	res := f.ingest(1, raw)
	assert.True(t, res.Unprocessable)
	assert.NotZero(t, res.MsgID)

	msg := f.message(res.MsgID)
	assert.Equal(t, model.KindUnprocessable, msg.Kind)
	assert.True(t, msg.Hidden)
	assert.NotEmpty(t, msg.Error)
	assert.Equal(t, mimemsg.SyntheticID(raw), msg.RFC724MID)

	assert.Equal(t, []events.Type{events.MalformedMessage}, f.drain())

	again := f.ingest(2, raw)
	assert.True(t, again.Duplicate)
	assert.Empty(t, f.drain())
}

func TestIngestEncrypted(t *testing.T) {
	alice := internal.NewTestKey(t, "alice@example.org")
	bob := internal.NewTestKey(t, "bob@example.org")
	f := newFixture(t, alice, nil)

	o := outgoing("bob@example.org", "m1@example.org", epoch, "alice@example.org")
	o.Subject = "secret subject"
	o.Autocrypt = autocryptFor(t, "bob@example.org", bob)

	res := f.ingest(1, encrypted(t, o, nil, bob, alice, bob))

	msg := f.message(res.MsgID)
	assert.Equal(t, model.EncryptionUnverified, msg.Encryption)
	assert.Equal(t, "secret subject", msg.Subject)
	assert.Equal(t, "hi there", msg.Text)
	assert.Empty(t, msg.Error)
}

func TestIngestVerifiedSender(t *testing.T) {
	alice := internal.NewTestKey(t, "alice@example.org")
	bob := internal.NewTestKey(t, "bob@example.org")
	f := newFixture(t, alice, nil)
	verifyPeer(f, "bob@example.org", bob)

	o := outgoing("bob@example.org", "m1@example.org", epoch, "alice@example.org")
	o.Autocrypt = autocryptFor(t, "bob@example.org", bob)

	res := f.ingest(1, encrypted(t, o, nil, bob, alice))
	assert.Equal(t, model.EncryptionVerified, f.message(res.MsgID).Encryption)
}

func TestIngestDecryptionFailure(t *testing.T) {
	alice := internal.NewTestKey(t, "alice@example.org")
	bob := internal.NewTestKey(t, "bob@example.org")
	carol := internal.NewTestKey(t, "carol@example.org")
	f := newFixture(t, alice, nil)

	o := outgoing("bob@example.org", "m1@example.org", epoch, "alice@example.org")
	res := f.ingest(1, encrypted(t, o, nil, bob, carol))

	assert.False(t, res.Unprocessable)
	msg := f.message(res.MsgID)
	assert.Equal(t, model.EncryptionNone, msg.Encryption)
	assert.Contains(t, msg.Error, "decryption failed")
	assert.Empty(t, msg.Text)
}

func TestKeyChangeClearsVerified(t *testing.T) {
	alice := internal.NewTestKey(t, "alice@example.org")
	oldKey := internal.NewTestKey(t, "bob@example.org")
	newKey := internal.NewTestKey(t, "bob@example.org")
	f := newFixture(t, alice, nil)
	verifyPeer(f, "bob@example.org", oldKey)

	o := outgoing("bob@example.org", "m1@example.org", epoch, "alice@example.org")
	o.Autocrypt = autocryptFor(t, "bob@example.org", newKey)
	res := f.ingest(1, encrypted(t, o, nil, newKey, alice))

	ps := f.peer("bob@example.org")
	assert.Equal(t, newKey.Fingerprint(), ps.Fingerprint)
	assert.False(t, ps.Verified)
	assert.Equal(t, oldKey.Fingerprint(), ps.VerifiedFingerprint)
	assert.Equal(t, model.EncryptionUnverified, f.message(res.MsgID).Encryption)
	assert.Contains(t, f.drain(), events.ContactKeyChanged)

	var history []*model.PeerStateEvent
	f.tx(func(tx *store.Tx) (err error) {
		history, err = tx.PeerHistory("bob@example.org")
		return
	})
	if assert.Len(t, history, 2) {
		assert.Equal(t, model.PeerEventKeyChanged, history[0].Event)
		assert.Equal(t, model.PeerEventUnverified, history[1].Event)
	}
}

func TestPeerStateOrderIndependent(t *testing.T) {
	alice := internal.NewTestKey(t, "alice@example.org")
	k1 := internal.NewTestKey(t, "bob@example.org")
	k2 := internal.NewTestKey(t, "bob@example.org")

	o1 := outgoing("bob@example.org", "m1@example.org", epoch.Add(-2*time.Hour), "alice@example.org")
	o1.Autocrypt = autocryptFor(t, "bob@example.org", k1)
	o2 := outgoing("bob@example.org", "m2@example.org", epoch.Add(-time.Hour), "alice@example.org")
	o2.Autocrypt = autocryptFor(t, "bob@example.org", k2)
	m1, m2 := plain(t, o1), plain(t, o2)

	forward := newFixture(t, alice, nil)
	forward.ingest(1, m1)
	forward.ingest(2, m2)

	backward := newFixture(t, alice, nil)
	backward.ingest(1, m2)
	backward.ingest(2, m1)

	for _, f := range []*fixture{forward, backward} {
		ps := f.peer("bob@example.org")
		assert.Equal(t, k2.Fingerprint(), ps.Fingerprint)
		assert.Equal(t, epoch.Add(-time.Hour), ps.KeyTimestamp)
	}
}

func TestForeignKeyUnverifiesInAnyOrder(t *testing.T) {
	alice := internal.NewTestKey(t, "alice@example.org")
	k1 := internal.NewTestKey(t, "bob@example.org")
	k2 := internal.NewTestKey(t, "bob@example.org")

	o1 := outgoing("bob@example.org", "m1@example.org", epoch.Add(-30*time.Minute), "alice@example.org")
	o1.Autocrypt = autocryptFor(t, "bob@example.org", k2)
	o2 := outgoing("bob@example.org", "m2@example.org", epoch.Add(-10*time.Minute), "alice@example.org")
	o2.Autocrypt = autocryptFor(t, "bob@example.org", k1)
	m1, m2 := plain(t, o1), plain(t, o2)

	forward := newFixture(t, alice, nil)
	verifyPeer(forward, "bob@example.org", k1)
	forward.ingest(1, m1)
	forward.ingest(2, m2)

	backward := newFixture(t, alice, nil)
	verifyPeer(backward, "bob@example.org", k1)
	backward.ingest(1, m2)
	backward.ingest(2, m1)

	for _, f := range []*fixture{forward, backward} {
		ps := f.peer("bob@example.org")
		assert.Equal(t, k1.Fingerprint(), ps.Fingerprint)
		assert.False(t, ps.Verified)
		assert.Contains(t, f.drain(), events.ContactKeyChanged)
	}
}

func groupMessage(from string, mid string, date time.Time, grpid string, to ...string) *mimemsg.Outgoing {
	o := outgoing(from, mid, date, to...)
	o.Headers = []mimemsg.Field{
		{Key: mimemsg.HeaderChatGroupID, Value: grpid},
		{Key: mimemsg.HeaderChatGroupName, Value: "Friends"},
	}
	return o
}

func TestGroupMembershipCommutes(t *testing.T) {
	alice := internal.NewTestKey(t, "alice@example.org")

	create := plain(t, groupMessage("bob@example.org", "g1@example.org", epoch.Add(-3*time.Hour), "grp1",
		"alice@example.org", "carol@example.org"))

	rm := groupMessage("bob@example.org", "g2@example.org", epoch.Add(-2*time.Hour), "grp1",
		"alice@example.org", "carol@example.org")
	rm.Headers = append(rm.Headers, mimemsg.Field{Key: mimemsg.HeaderChatGroupMemberRemov, Value: "carol@example.org"})
	remove := plain(t, rm)

	add := groupMessage("bob@example.org", "g3@example.org", epoch.Add(-time.Hour), "grp1", "alice@example.org")
	add.Headers = append(add.Headers, mimemsg.Field{Key: mimemsg.HeaderChatGroupMemberAdded, Value: "dave@example.org"})
	added := plain(t, add)

	orders := [][][]byte{
		{create, remove, added},
		{added, remove, create},
		{remove, create, added},
	}

	for _, order := range orders {
		f := newFixture(t, alice, nil)

		var chatID int64
		for i, raw := range order {
			chatID = f.ingest(uint32(i+1), raw).ChatID
		}

		assert.Equal(t, []string{"alice@example.org", "bob@example.org", "dave@example.org"}, f.members(chatID))

		var chat *model.Chat
		f.tx(func(tx *store.Tx) (err error) {
			chat, err = tx.ChatByGrpID("grp1")
			return
		})
		if assert.NotNil(t, chat) {
			assert.Equal(t, model.ChatGroup, chat.Kind)
			assert.Equal(t, chatID, chat.ID)
		}
	}
}

func TestVerifiedGroupRejectsUnverifiedChanges(t *testing.T) {
	alice := internal.NewTestKey(t, "alice@example.org")
	bob := internal.NewTestKey(t, "bob@example.org")
	mallory := internal.NewTestKey(t, "mallory@example.org")
	f := newFixture(t, alice, nil)
	verifyPeer(f, "bob@example.org", bob)

	var chatID int64
	f.tx(func(tx *store.Tx) error {
		chat := &model.Chat{Kind: model.ChatVerifiedGroup, GrpID: "vgrp", Name: "Verified", CreatedAt: epoch}
		if _, err := tx.CreateChat(chat); err != nil {
			return err
		}
		chatID = chat.ID

		bobContact, err := tx.ContactByAddr("bob@example.org")
		if err != nil {
			return err
		}

		if err := tx.AddMember(chat.ID, model.ContactSelf, epoch.Add(-time.Hour)); err != nil {
			return err
		}
		return tx.AddMember(chat.ID, bobContact.ID, epoch.Add(-time.Hour))
	})

	before := f.members(chatID)
	f.drain()

	// Mallory is not verified; her addition of herself is refused.
	o := groupMessage("mallory@example.org", "x1@example.org", epoch, "vgrp", "alice@example.org", "bob@example.org")
	o.Autocrypt = autocryptFor(t, "mallory@example.org", mallory)
	o.Headers = append(o.Headers,
		mimemsg.Field{Key: mimemsg.HeaderChatVerified, Value: "1"},
		mimemsg.Field{Key: mimemsg.HeaderChatGroupMemberAdded, Value: "mallory@example.org"},
	)
	res := f.ingest(1, encrypted(t, o, nil, mallory, alice))

	assert.Equal(t, chatID, res.ChatID)
	assert.Equal(t, before, f.members(chatID))
	assert.Contains(t, f.drain(), events.MemberChangeRejected)
	assert.NotEmpty(t, f.message(res.MsgID).Error)

	// Bob is verified, but an addition without a handshake is still refused.
	o = groupMessage("bob@example.org", "x2@example.org", epoch, "vgrp", "alice@example.org")
	o.Headers = append(o.Headers,
		mimemsg.Field{Key: mimemsg.HeaderChatVerified, Value: "1"},
		mimemsg.Field{Key: mimemsg.HeaderChatGroupMemberAdded, Value: "carol@example.org"},
	)
	f.ingest(2, encrypted(t, o, nil, bob, alice))
	assert.Equal(t, before, f.members(chatID))
	assert.Contains(t, f.drain(), events.MemberChangeRejected)

	// A verified removal is accepted.
	o = groupMessage("bob@example.org", "x3@example.org", epoch.Add(time.Second), "vgrp", "alice@example.org")
	o.Headers = append(o.Headers,
		mimemsg.Field{Key: mimemsg.HeaderChatVerified, Value: "1"},
		mimemsg.Field{Key: mimemsg.HeaderChatGroupMemberRemov, Value: "bob@example.org"},
	)
	f.clock.Add(time.Minute)
	f.ingest(3, encrypted(t, o, nil, bob, alice))
	assert.Equal(t, []string{"alice@example.org"}, f.members(chatID))
}

func TestVerifiedGossipVouches(t *testing.T) {
	alice := internal.NewTestKey(t, "alice@example.org")
	bob := internal.NewTestKey(t, "bob@example.org")
	carol := internal.NewTestKey(t, "carol@example.org")
	f := newFixture(t, alice, nil)
	verifyPeer(f, "bob@example.org", bob)

	o := groupMessage("bob@example.org", "v1@example.org", epoch, "vgrp2", "alice@example.org", "carol@example.org")
	o.Headers = append(o.Headers, mimemsg.Field{Key: mimemsg.HeaderChatVerified, Value: "1"})
	gossip := []string{
		autocryptFor(t, "carol@example.org", carol),
		autocryptFor(t, "alice@example.org", alice),
	}

	res := f.ingest(1, encrypted(t, o, gossip, bob, alice))

	var chat *model.Chat
	f.tx(func(tx *store.Tx) (err error) {
		chat, err = tx.Chat(res.ChatID)
		return
	})
	assert.Equal(t, model.ChatVerifiedGroup, chat.Kind)
	assert.Equal(t, []string{"alice@example.org", "bob@example.org", "carol@example.org"}, f.members(chat.ID))

	ps := f.peer("carol@example.org")
	if assert.NotNil(t, ps) {
		assert.True(t, ps.Verified)
		assert.Equal(t, carol.Fingerprint(), ps.VerifiedFingerprint)
		assert.Equal(t, carol.Fingerprint(), ps.GossipFingerprint)
	}
	assert.Contains(t, f.drain(), events.ContactVerified)
}

func TestUnverifiedGroupClaimNotTrusted(t *testing.T) {
	alice := internal.NewTestKey(t, "alice@example.org")
	bob := internal.NewTestKey(t, "bob@example.org")
	f := newFixture(t, alice, nil)

	o := groupMessage("bob@example.org", "c1@example.org", epoch, "claimed", "alice@example.org")
	o.Autocrypt = autocryptFor(t, "bob@example.org", bob)
	o.Headers = append(o.Headers, mimemsg.Field{Key: mimemsg.HeaderChatVerified, Value: "1"})

	res := f.ingest(1, encrypted(t, o, nil, bob, alice))

	var chat *model.Chat
	f.tx(func(tx *store.Tx) (err error) {
		chat, err = tx.Chat(res.ChatID)
		return
	})
	assert.Equal(t, model.ChatGroup, chat.Kind)
}

func TestThreadingAndSortOrder(t *testing.T) {
	f := newFixture(t, internal.NewTestKey(t, "alice@example.org"), nil)

	parent := groupMessage("bob@example.org", "p1@example.org", epoch.Add(-time.Minute), "grp1",
		"alice@example.org", "carol@example.org")
	pres := f.ingest(1, plain(t, parent))

	// Carol's clock is behind, and her client drops the group headers.
	reply := outgoing("carol@example.org", "r1@example.org", epoch.Add(-time.Hour), "alice@example.org", "bob@example.org")
	reply.InReplyTo = "p1@example.org"
	reply.References = []string{"p1@example.org"}
	rres := f.ingest(2, plain(t, reply))

	assert.Equal(t, pres.ChatID, rres.ChatID)

	p, r := f.message(pres.MsgID), f.message(rres.MsgID)
	assert.True(t, r.TimestampSort.After(p.TimestampSort))
	assert.Equal(t, "p1@example.org", r.ParentMID)

	var msgs []*model.Message
	f.tx(func(tx *store.Tx) (err error) {
		msgs, err = tx.ChatMessages(pres.ChatID)
		return
	})
	if assert.Len(t, msgs, 2) {
		assert.Equal(t, "p1@example.org", msgs[0].RFC724MID)
		assert.Equal(t, "r1@example.org", msgs[1].RFC724MID)
	}
}

func TestEphemeralTimer(t *testing.T) {
	f := newFixture(t, internal.NewTestKey(t, "alice@example.org"), nil)

	o := outgoing("bob@example.org", "e1@example.org", epoch, "alice@example.org")
	o.Headers = []mimemsg.Field{{Key: mimemsg.HeaderEphemeralTimer, Value: "60"}}
	raw := plain(t, o)

	res := f.ingest(1, raw)
	msg := f.message(res.MsgID)
	assert.Equal(t, time.Minute, msg.EphemeralTimer)
	assert.Equal(t, epoch.Add(time.Minute), msg.EphemeralDeadline)

	var chat *model.Chat
	f.tx(func(tx *store.Tx) (err error) {
		chat, err = tx.Chat(res.ChatID)
		return
	})
	assert.Equal(t, time.Minute, chat.EphemeralTimer)

	n, err := f.pipeline.ExpireMessages(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Add(2 * time.Minute)
	n, err = f.pipeline.ExpireMessages(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	// The deleted message must not come back.
	again := f.ingest(2, raw)
	assert.True(t, again.Duplicate)
}

func TestPruneSeen(t *testing.T) {
	f := newFixture(t, internal.NewTestKey(t, "alice@example.org"), nil)
	f.ingest(1, plain(t, outgoing("bob@example.org", "s1@example.org", epoch, "alice@example.org")))

	n, err := f.pipeline.PruneSeen(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Add(DefaultDedupHorizon + time.Hour)
	n, err = f.pipeline.PruneSeen(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReadReceipt(t *testing.T) {
	f := newFixture(t, internal.NewTestKey(t, "alice@example.org"), nil)

	var sentID int64
	f.tx(func(tx *store.Tx) (err error) {
		sentID, err = tx.InsertMessage(&model.Message{
			RFC724MID: "out1@example.org",
			FromID:    model.ContactSelf,
			State:     model.StateDelivered,
		})
		return
	})

	raw, err := mimemsg.ComposeReceipt(outgoing("bob@example.org", "mdn1@example.org", epoch, "alice@example.org"), "out1@example.org")
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	res := f.ingest(1, raw)
	assert.Equal(t, DispositionDelete, res.Disposition)
	assert.Equal(t, model.StateRead, f.message(sentID).State)
	assert.Equal(t, []events.Type{events.MessageRead}, f.drain())
}

type recordingHandshaker struct {
	steps   []string
	outcome HandshakeOutcome
}

func (h *recordingHandshaker) HandleHandshake(tx *store.Tx, in *Incoming) (*HandshakeOutcome, error) {
	h.steps = append(h.steps, in.Step())
	out := h.outcome
	return &out, nil
}

func TestHandshakeMessagesHidden(t *testing.T) {
	hs := &recordingHandshaker{}
	f := newFixture(t, internal.NewTestKey(t, "alice@example.org"), hs)

	o := outgoing("bob@example.org", "sj1@example.org", epoch, "alice@example.org")
	o.Headers = []mimemsg.Field{{Key: mimemsg.HeaderSecureJoin, Value: "vc-request"}}
	raw := plain(t, o)

	res := f.ingest(1, raw)
	assert.Equal(t, DispositionDelete, res.Disposition)
	assert.Equal(t, []string{"vc-request"}, hs.steps)

	msg := f.message(res.MsgID)
	assert.True(t, msg.Hidden)
	assert.Equal(t, model.KindHandshake, msg.Kind)
	assert.Empty(t, f.drain())

	// Duplicates are not passed to the handler again, and are still deleted.
	again := f.ingest(2, raw)
	assert.True(t, again.Duplicate)
	assert.Equal(t, DispositionDelete, again.Disposition)
	assert.Len(t, hs.steps, 1)
}

func TestHandshakePassThrough(t *testing.T) {
	hs := &recordingHandshaker{outcome: HandshakeOutcome{PassThrough: true}}
	f := newFixture(t, internal.NewTestKey(t, "alice@example.org"), hs)

	o := outgoing("bob@example.org", "sj2@example.org", epoch, "alice@example.org")
	o.Headers = []mimemsg.Field{{Key: mimemsg.HeaderSecureJoin, Value: "vg-member-added"}}

	res := f.ingest(1, plain(t, o))
	assert.Equal(t, DispositionKeep, res.Disposition)
	assert.False(t, f.message(res.MsgID).Hidden)
}

func TestPipelineWorker(t *testing.T) {
	f := newFixture(t, internal.NewTestKey(t, "alice@example.org"), nil)

	raw := plain(t, outgoing("bob@example.org", "w1@example.org", epoch, "alice@example.org"))

	res, err := f.pipeline.IngestMessageSync(&RawMessage{Folder: "INBOX", UID: 7, Body: raw})
	assert.NoError(t, err)
	if assert.NotNil(t, res) {
		assert.NotZero(t, res.MsgID)
	}

	_, err = f.pipeline.IngestMessageSync(&RawMessage{Folder: "INBOX", UID: 0, Body: raw})
	assert.Equal(t, errInvalidUID, err)

	assert.NoError(t, f.pipeline.Close())
	<-f.pipeline.Closed()

	_, err = f.pipeline.IngestMessageSync(&RawMessage{Folder: "INBOX", UID: 8, Body: raw})
	assert.Equal(t, errPipelineClosed, err)
}
