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
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/errdefs"
	"github.com/vs49688/mailchat/events"
	"github.com/vs49688/mailchat/mimemsg"
	"github.com/vs49688/mailchat/model"
	"github.com/vs49688/mailchat/pgp"
	"github.com/vs49688/mailchat/store"
)

const seenFlag = "\\Seen"

// ingestion carries one message through the stages of Ingest.
type ingestion struct {
	raw    *RawMessage
	parsed *mimemsg.Message
	mid    string

	now  time.Time
	rcvd time.Time
	// date is the sender's timestamp, clamped so it is never in the future.
	date time.Time

	sender   *model.Contact
	fromSelf bool
	peer     *model.PeerState

	autocrypt  *pgp.Autocrypt
	decrypted  bool
	signed     bool
	signer     string
	decryptErr error
	encryption model.EncryptionStatus

	events []events.Event
}

func (in *ingestion) emit(ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = in.now
	}
	if ev.Folder == "" {
		ev.Folder = in.raw.Folder
	}
	in.events = append(in.events, ev)
}

func (in *ingestion) fields() log.Fields {
	return log.Fields{"folder": in.raw.Folder, "uid": in.raw.UID, "mid": in.mid}
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// Ingest processes one message synchronously. Messages that cannot be
// parsed are stored as unprocessable and do not produce an error; an error
// means nothing was committed and the message should be fetched again.
func (p *Pipeline) Ingest(ctx context.Context, raw *RawMessage) (*Result, error) {
	in := &ingestion{raw: raw, now: p.clock.Now()}
	in.rcvd = raw.ReceivedAt
	if in.rcvd.IsZero() {
		in.rcvd = in.now
	}

	parsed, err := mimemsg.Parse(raw.Body)
	if err == nil && parsed.From == nil {
		err = errdefs.Malformedf("message has no sender")
	}
	if err != nil {
		return p.ingestUnprocessable(ctx, in, parsed, err)
	}

	in.parsed = parsed
	in.mid = parsed.MessageID
	if in.mid == "" {
		in.mid = mimemsg.SyntheticID(raw.Body)
	}

	in.date = parsed.Date
	if in.date.IsZero() || in.date.After(in.now) {
		in.date = in.rcvd
	}

	var res *Result
	err = p.store.Transact(ctx, func(tx *store.Tx) (err error) {
		in.events = nil
		if res, err = p.process(tx, in); err != nil {
			return err
		}

		evs := in.events
		tx.OnCommit(func() {
			for _, ev := range evs {
				p.events.Emit(ev)
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ingestUnprocessable records a message that could not be parsed so it is
// neither lost nor fetched again.
func (p *Pipeline) ingestUnprocessable(ctx context.Context, in *ingestion, parsed *mimemsg.Message, cause error) (*Result, error) {
	var sender string
	if parsed != nil {
		in.mid = parsed.MessageID
		if parsed.From != nil {
			sender = store.NormalizeAddr(parsed.From.Address)
		}
	}
	if in.mid == "" {
		in.mid = mimemsg.SyntheticID(in.raw.Body)
	}

	res := &Result{Unprocessable: true}
	err := p.store.Transact(ctx, func(tx *store.Tx) error {
		seen, err := tx.Seen(in.mid, sender)
		if err != nil {
			return err
		} else if seen {
			res.Duplicate = true
			return nil
		}

		var fromID int64
		if sender != "" {
			c, err := tx.UpsertContact(sender, "", in.now)
			if err != nil {
				return err
			}
			fromID = c.ID
		}

		msg := &model.Message{
			RFC724MID:     in.mid,
			FromID:        fromID,
			Timestamp:     in.rcvd,
			TimestampRcvd: in.rcvd,
			TimestampSort: in.rcvd,
			Kind:          model.KindUnprocessable,
			State:         model.StateReceived,
			Error:         cause.Error(),
			Hidden:        true,
			Folder:        in.raw.Folder,
			UID:           in.raw.UID,
		}
		if _, err := tx.InsertMessage(msg); err != nil {
			return err
		}

		if err := tx.MarkSeen(in.mid, sender, in.now); err != nil {
			return err
		}

		res.MsgID = msg.ID
		tx.OnCommit(func() {
			p.events.Emit(events.Event{
				Type:   events.MalformedMessage,
				Time:   in.now,
				MsgID:  msg.ID,
				Folder: in.raw.Folder,
				Detail: in.mid,
				Err:    cause,
			})
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !res.Duplicate {
		p.log.WithError(cause).WithFields(in.fields()).Warn("ingest_unprocessable")
	}
	return res, nil
}

func (p *Pipeline) process(tx *store.Tx, in *ingestion) (*Result, error) {
	parsed := in.parsed
	senderAddr := store.NormalizeAddr(parsed.From.Address)

	seen, err := tx.Seen(in.mid, senderAddr)
	if err != nil {
		return nil, err
	} else if seen {
		return p.duplicate(tx, in, senderAddr)
	}

	in.fromSelf = senderAddr == store.NormalizeAddr(p.self.Addr)
	if in.fromSelf {
		in.sender, err = tx.Contact(model.ContactSelf)
	} else {
		in.sender, err = tx.UpsertContact(senderAddr, parsed.From.Name, in.now)
	}
	if err != nil {
		return nil, err
	}

	if err := p.decrypt(tx, in); err != nil {
		return nil, err
	}

	if !in.fromSelf {
		if err := p.updatePeerState(tx, in); err != nil {
			return nil, err
		}
	}
	p.classify(in)

	if parsed.MDNOriginalID != "" {
		return p.receipt(tx, in)
	}

	if parsed.Get(mimemsg.HeaderSecureJoin) != "" && !in.fromSelf {
		res, err := p.handshake(tx, in)
		if err != nil || res != nil {
			return res, err
		}

		// The handshake may have verified the sender.
		if in.peer, err = tx.PeerState(in.sender.Addr); err != nil {
			return nil, err
		}
		p.classify(in)
	}

	return p.deliver(tx, in)
}

// duplicate handles a message that was already ingested. The only effect
// it may have is to mark the stored copy seen.
func (p *Pipeline) duplicate(tx *store.Tx, in *ingestion, sender string) (*Result, error) {
	res := &Result{Duplicate: true}

	c, err := tx.ContactByAddr(sender)
	if err != nil || c == nil {
		return res, err
	}

	msg, err := tx.MessageByMIDFrom(in.mid, c.ID)
	if err != nil || msg == nil {
		return res, err
	}

	res.MsgID, res.ChatID = msg.ID, msg.ChatID
	if msg.Kind == model.KindHandshake {
		res.Disposition = DispositionDelete
	}

	if hasFlag(in.raw.Flags, seenFlag) && msg.State == model.StateReceived {
		if err := tx.SetMessageState(msg.ID, model.StateSeen); err != nil {
			return nil, err
		}
	}

	p.log.WithFields(in.fields()).WithField("msg_id", msg.ID).Debug("ingest_duplicate")
	return res, nil
}

func (p *Pipeline) senderKeys(in *ingestion) []*pgp.Key {
	var keys []*pgp.Key
	add := func(raw []byte) {
		if len(raw) == 0 {
			return
		}

		k, err := pgp.ParseKey(raw)
		if err != nil {
			p.log.WithError(err).WithFields(in.fields()).Warn("ingest_bad_stored_key")
			return
		}
		keys = append(keys, k)
	}

	if ps := in.peer; ps != nil {
		add(ps.PublicKey)
		add(ps.VerifiedKey)
		add(ps.GossipKey)
	}

	if in.autocrypt != nil {
		keys = append(keys, in.autocrypt.Key)
	}
	return keys
}

func (p *Pipeline) decrypt(tx *store.Tx, in *ingestion) error {
	if !in.fromSelf {
		if v := in.parsed.Get(pgp.HeaderAutocrypt); v != "" {
			ac, err := pgp.ParseAutocrypt(v)
			switch {
			case err != nil:
				p.log.WithError(err).WithFields(in.fields()).Warn("ingest_bad_autocrypt")
			case store.NormalizeAddr(ac.Addr) != in.sender.Addr:
				p.log.WithFields(in.fields()).WithField("addr", ac.Addr).Debug("ingest_autocrypt_addr_mismatch")
			default:
				in.autocrypt = ac
			}
		}

		var err error
		if in.peer, err = tx.PeerState(in.sender.Addr); err != nil {
			return err
		}
	}

	if !in.parsed.Encrypted() {
		return nil
	}

	senders := []*pgp.Key{p.self.Key}
	if !in.fromSelf {
		senders = p.senderKeys(in)
	}

	res, err := p.crypto.DecryptAndVerify(in.parsed.Ciphertext, p.self.Key, senders)
	if err != nil {
		in.decryptErr = err
		p.log.WithError(err).WithFields(in.fields()).Warn("ingest_decrypt_failed")
		return nil
	}

	inner, err := mimemsg.Parse(res.Plaintext)
	if err != nil {
		in.decryptErr = err
		p.log.WithError(err).WithFields(in.fields()).Warn("ingest_bad_payload")
		return nil
	}

	in.parsed.MergeProtected(inner)
	in.decrypted = true
	in.signed = res.SignatureValid
	in.signer = res.SignerFingerprint
	return nil
}

// classify decides the message's encryption status. Only a valid signature
// by the peer's verified key makes a message verified.
func (p *Pipeline) classify(in *ingestion) {
	switch {
	case !in.decrypted:
		in.encryption = model.EncryptionNone
	case !in.signed:
		in.encryption = model.EncryptionUnverified
	case in.fromSelf && in.signer == p.self.Key.Fingerprint():
		in.encryption = model.EncryptionVerified
	case in.peer != nil && in.peer.Verified && in.signer == in.peer.VerifiedFingerprint:
		in.encryption = model.EncryptionVerified
	default:
		in.encryption = model.EncryptionUnverified
	}
}

// receipt applies a disposition notification to the original message.
func (p *Pipeline) receipt(tx *store.Tx, in *ingestion) (*Result, error) {
	res := &Result{Disposition: DispositionDelete}

	orig, err := tx.MessageByMIDFrom(in.parsed.MDNOriginalID, model.ContactSelf)
	if err != nil {
		return nil, err
	}

	if orig != nil {
		res.ChatID = orig.ChatID
		if orig.State == model.StatePending || orig.State == model.StateDelivered {
			if err := tx.SetMessageState(orig.ID, model.StateRead); err != nil {
				return nil, err
			}

			in.emit(events.Event{
				Type:      events.MessageRead,
				ChatID:    orig.ChatID,
				MsgID:     orig.ID,
				ContactID: in.sender.ID,
			})
		}
	}

	if err := tx.MarkSeen(in.mid, in.sender.Addr, in.now); err != nil {
		return nil, err
	}
	return res, nil
}

// handshake passes a Secure-Join step to the handler. A nil result means
// processing continues as a normal message.
func (p *Pipeline) handshake(tx *store.Tx, in *ingestion) (*Result, error) {
	out := &HandshakeOutcome{}
	if p.handshaker != nil {
		var err error
		out, err = p.handshaker.HandleHandshake(tx, &Incoming{
			Parsed:            in.parsed,
			MessageID:         in.mid,
			Sender:            in.sender,
			PeerState:         in.peer,
			Encryption:        in.encryption,
			Signed:            in.signed,
			SignerFingerprint: in.signer,
			Timestamp:         in.date,
		})
		if errdefs.IsStorage(err) {
			return nil, err
		} else if err != nil {
			p.log.WithError(err).WithFields(in.fields()).Warn("ingest_handshake_rejected")
			out = &HandshakeOutcome{}
		}
	}

	if out.PassThrough {
		return nil, nil
	}

	msg := &model.Message{
		RFC724MID:     in.mid,
		ChatID:        out.ChatID,
		FromID:        in.sender.ID,
		Timestamp:     in.date,
		TimestampRcvd: in.rcvd,
		TimestampSort: in.rcvd,
		Encryption:    in.encryption,
		Kind:          model.KindHandshake,
		State:         model.StateReceived,
		Subject:       in.parsed.Get(mimemsg.HeaderSecureJoin),
		Hidden:        true,
		Folder:        in.raw.Folder,
		UID:           in.raw.UID,
	}
	if _, err := tx.InsertMessage(msg); err != nil {
		return nil, err
	}

	if err := tx.MarkSeen(in.mid, in.sender.Addr, in.now); err != nil {
		return nil, err
	}

	return &Result{MsgID: msg.ID, ChatID: out.ChatID, Disposition: DispositionDelete}, nil
}
