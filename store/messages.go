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

package store

import (
	"strings"
	"time"

	"github.com/vs49688/mailchat/model"
)

type messageRow struct {
	ID                int64  `db:"id"`
	RFC724MID         string `db:"rfc724_mid"`
	ChatID            int64  `db:"chat_id"`
	FromID            int64  `db:"from_id"`
	Timestamp         int64  `db:"timestamp"`
	TimestampRcvd     int64  `db:"timestamp_rcvd"`
	TimestampSort     int64  `db:"timestamp_sort"`
	Encryption        int    `db:"encryption"`
	Kind              int    `db:"kind"`
	State             int    `db:"state"`
	Subject           string `db:"subject"`
	Text              string `db:"text"`
	ParentMID         string `db:"parent_mid"`
	Refs              string `db:"refs"`
	Error             string `db:"error"`
	Hidden            bool   `db:"hidden"`
	EphemeralTimer    int64  `db:"ephemeral_timer"`
	EphemeralDeadline int64  `db:"ephemeral_deadline"`
	Folder            string `db:"folder"`
	UID               uint32 `db:"uid"`
}

func (r *messageRow) toModel() *model.Message {
	var refs []string
	if r.Refs != "" {
		refs = strings.Fields(r.Refs)
	}

	return &model.Message{
		ID:                r.ID,
		RFC724MID:         r.RFC724MID,
		ChatID:            r.ChatID,
		FromID:            r.FromID,
		Timestamp:         fromMillis(r.Timestamp),
		TimestampRcvd:     fromMillis(r.TimestampRcvd),
		TimestampSort:     fromMillis(r.TimestampSort),
		Encryption:        model.EncryptionStatus(r.Encryption),
		Kind:              model.MessageKind(r.Kind),
		State:             model.MessageState(r.State),
		Subject:           r.Subject,
		Text:              r.Text,
		ParentMID:         r.ParentMID,
		References:        refs,
		Error:             r.Error,
		Hidden:            r.Hidden,
		EphemeralTimer:    time.Duration(r.EphemeralTimer) * time.Second,
		EphemeralDeadline: fromMillis(r.EphemeralDeadline),
		Folder:            r.Folder,
		UID:               r.UID,
	}
}

func (tx *Tx) InsertMessage(msg *model.Message) (int64, error) {
	res, err := tx.exec(`INSERT INTO messages (
			rfc724_mid, chat_id, from_id,
			timestamp, timestamp_rcvd, timestamp_sort,
			encryption, kind, state,
			subject, text, parent_mid, refs, error, hidden,
			ephemeral_timer, ephemeral_deadline,
			folder, uid
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.RFC724MID, msg.ChatID, msg.FromID,
		millis(msg.Timestamp), millis(msg.TimestampRcvd), millis(msg.TimestampSort),
		int(msg.Encryption), int(msg.Kind), int(msg.State),
		msg.Subject, msg.Text, msg.ParentMID, strings.Join(msg.References, " "), msg.Error, boolInt(msg.Hidden),
		int64(msg.EphemeralTimer/time.Second), millis(msg.EphemeralDeadline),
		msg.Folder, msg.UID,
	)
	if err != nil {
		return 0, wrap(err, "inserting message")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap(err, "inserting message")
	}
	msg.ID = id
	return id, nil
}

func (tx *Tx) Message(id int64) (*model.Message, error) {
	var r messageRow
	found, err := tx.get(&r, `SELECT * FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, wrap(err, "looking up message")
	} else if !found {
		return nil, nil
	}
	return r.toModel(), nil
}

// MessageByMID returns the newest message with the given wire Message-ID.
func (tx *Tx) MessageByMID(mid string) (*model.Message, error) {
	var r messageRow
	found, err := tx.get(&r, `SELECT * FROM messages WHERE rfc724_mid = ? ORDER BY id DESC LIMIT 1`, mid)
	if err != nil {
		return nil, wrap(err, "looking up message")
	} else if !found {
		return nil, nil
	}
	return r.toModel(), nil
}

func (tx *Tx) MessageByMIDFrom(mid string, fromID int64) (*model.Message, error) {
	var r messageRow
	found, err := tx.get(&r, `SELECT * FROM messages WHERE rfc724_mid = ? AND from_id = ?`, mid, fromID)
	if err != nil {
		return nil, wrap(err, "looking up message")
	} else if !found {
		return nil, nil
	}
	return r.toModel(), nil
}

// ChatMessages returns the visible messages of a chat in display order.
func (tx *Tx) ChatMessages(chatID int64) ([]*model.Message, error) {
	var rows []messageRow
	err := tx.selectRows(&rows, `SELECT * FROM messages
		WHERE chat_id = ? AND hidden = 0
		ORDER BY timestamp_sort, rfc724_mid, id`, chatID)
	if err != nil {
		return nil, wrap(err, "listing messages")
	}

	out := make([]*model.Message, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (tx *Tx) SetMessageState(id int64, state model.MessageState) error {
	_, err := tx.exec(`UPDATE messages SET state = ? WHERE id = ?`, int(state), id)
	return wrap(err, "updating message state")
}

func (tx *Tx) SetMessageFailed(id int64, reason string) error {
	_, err := tx.exec(`UPDATE messages SET state = ?, error = ? WHERE id = ?`, int(model.StateFailed), reason, id)
	return wrap(err, "marking message failed")
}

// ExpiredMessages returns IDs of messages whose ephemeral deadline has passed.
func (tx *Tx) ExpiredMessages(now time.Time) ([]int64, error) {
	var ids []int64
	err := tx.selectRows(&ids, `SELECT id FROM messages
		WHERE ephemeral_deadline != 0 AND ephemeral_deadline <= ? ORDER BY id`, millis(now))
	if err != nil {
		return nil, wrap(err, "listing expired messages")
	}
	return ids, nil
}

// DeleteMessage removes a message row. The wire Message-ID stays in the
// dedup table, so a refetch of the same message is still recognised.
func (tx *Tx) DeleteMessage(id int64) error {
	_, err := tx.exec(`DELETE FROM messages WHERE id = ?`, id)
	return wrap(err, "deleting message")
}

// Seen reports whether a wire Message-ID from a sender has already been
// ingested, either via the dedup table or an existing message row.
func (tx *Tx) Seen(mid string, sender string) (bool, error) {
	var n int
	_, err := tx.get(&n, `SELECT
		(SELECT COUNT(*) FROM seen_mids WHERE rfc724_mid = ? AND sender = ?) +
		(SELECT COUNT(*) FROM messages m JOIN contacts c ON c.id = m.from_id WHERE m.rfc724_mid = ? AND c.addr = ?)`,
		mid, NormalizeAddr(sender), mid, NormalizeAddr(sender))
	if err != nil {
		return false, wrap(err, "checking dedup table")
	}
	return n > 0, nil
}

func (tx *Tx) MarkSeen(mid string, sender string, now time.Time) error {
	_, err := tx.exec(`INSERT INTO seen_mids (rfc724_mid, sender, seen_at) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`, mid, NormalizeAddr(sender), millis(now))
	return wrap(err, "recording message id")
}

// PruneSeen forgets dedup entries older than the cutoff and returns how
// many were removed.
func (tx *Tx) PruneSeen(cutoff time.Time) (int64, error) {
	res, err := tx.exec(`DELETE FROM seen_mids WHERE seen_at < ?`, millis(cutoff))
	if err != nil {
		return 0, wrap(err, "pruning dedup table")
	}

	n, err := res.RowsAffected()
	return n, wrap(err, "pruning dedup table")
}
