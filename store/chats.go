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
	"time"

	"github.com/vs49688/mailchat/model"
)

type chatRow struct {
	ID             int64  `db:"id"`
	Kind           int    `db:"kind"`
	GrpID          string `db:"grpid"`
	Name           string `db:"name"`
	EphemeralTimer int64  `db:"ephemeral_timer"`
	LastActivity   int64  `db:"last_activity"`
	CreatedAt      int64  `db:"created_at"`
}

func (r *chatRow) toModel() *model.Chat {
	return &model.Chat{
		ID:             r.ID,
		Kind:           model.ChatKind(r.Kind),
		GrpID:          r.GrpID,
		Name:           r.Name,
		EphemeralTimer: time.Duration(r.EphemeralTimer) * time.Second,
		LastActivity:   fromMillis(r.LastActivity),
		CreatedAt:      fromMillis(r.CreatedAt),
	}
}

type memberRow struct {
	ChatID          int64 `db:"chat_id"`
	ContactID       int64 `db:"contact_id"`
	AddTimestamp    int64 `db:"add_timestamp"`
	RemoveTimestamp int64 `db:"remove_timestamp"`
}

func (r *memberRow) toModel() *model.ChatMember {
	return &model.ChatMember{
		ChatID:          r.ChatID,
		ContactID:       r.ContactID,
		AddTimestamp:    fromMillis(r.AddTimestamp),
		RemoveTimestamp: fromMillis(r.RemoveTimestamp),
	}
}

func (tx *Tx) CreateChat(chat *model.Chat) (int64, error) {
	res, err := tx.exec(`INSERT INTO chats (kind, grpid, name, ephemeral_timer, last_activity, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		int(chat.Kind), chat.GrpID, chat.Name, int64(chat.EphemeralTimer/time.Second),
		millis(chat.LastActivity), millis(chat.CreatedAt))
	if err != nil {
		return 0, wrap(err, "creating chat")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap(err, "creating chat")
	}
	chat.ID = id
	return id, nil
}

func (tx *Tx) Chat(id int64) (*model.Chat, error) {
	var r chatRow
	found, err := tx.get(&r, `SELECT * FROM chats WHERE id = ?`, id)
	if err != nil {
		return nil, wrap(err, "looking up chat")
	} else if !found {
		return nil, nil
	}
	return r.toModel(), nil
}

func (tx *Tx) ChatByGrpID(grpid string) (*model.Chat, error) {
	var r chatRow
	found, err := tx.get(&r, `SELECT * FROM chats WHERE grpid = ? AND grpid != ''`, grpid)
	if err != nil {
		return nil, wrap(err, "looking up group chat")
	} else if !found {
		return nil, nil
	}
	return r.toModel(), nil
}

// SingleChat returns the 1:1 chat with a contact, or nil.
func (tx *Tx) SingleChat(contactID int64) (*model.Chat, error) {
	var r chatRow
	found, err := tx.get(&r, `SELECT c.* FROM chats c
		JOIN chat_members m ON m.chat_id = c.id
		WHERE c.kind = ? AND m.contact_id = ?
		ORDER BY c.id LIMIT 1`, int(model.ChatSingle), contactID)
	if err != nil {
		return nil, wrap(err, "looking up 1:1 chat")
	} else if !found {
		return nil, nil
	}
	return r.toModel(), nil
}

// EnsureSingleChat returns the 1:1 chat with a contact, creating it if needed.
func (tx *Tx) EnsureSingleChat(contact *model.Contact, now time.Time) (*model.Chat, error) {
	chat, err := tx.SingleChat(contact.ID)
	if err != nil || chat != nil {
		return chat, err
	}

	chat = &model.Chat{
		Kind:      model.ChatSingle,
		Name:      contact.Addr,
		CreatedAt: now,
	}
	if _, err := tx.CreateChat(chat); err != nil {
		return nil, err
	}

	if err := tx.AddMember(chat.ID, contact.ID, now); err != nil {
		return nil, err
	}
	return chat, nil
}

func (tx *Tx) Chats() ([]*model.Chat, error) {
	var rows []chatRow
	if err := tx.selectRows(&rows, `SELECT * FROM chats ORDER BY last_activity DESC, id`); err != nil {
		return nil, wrap(err, "listing chats")
	}

	out := make([]*model.Chat, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (tx *Tx) SetChatKind(id int64, kind model.ChatKind) error {
	_, err := tx.exec(`UPDATE chats SET kind = ? WHERE id = ?`, int(kind), id)
	return wrap(err, "updating chat kind")
}

func (tx *Tx) SetChatName(id int64, name string) error {
	_, err := tx.exec(`UPDATE chats SET name = ? WHERE id = ?`, name, id)
	return wrap(err, "updating chat name")
}

func (tx *Tx) SetEphemeralTimer(id int64, timer time.Duration) error {
	_, err := tx.exec(`UPDATE chats SET ephemeral_timer = ? WHERE id = ?`, int64(timer/time.Second), id)
	return wrap(err, "updating ephemeral timer")
}

// TouchChat moves last_activity forward, never backward.
func (tx *Tx) TouchChat(id int64, ts time.Time) error {
	_, err := tx.exec(`UPDATE chats SET last_activity = MAX(last_activity, ?) WHERE id = ?`, millis(ts), id)
	return wrap(err, "touching chat")
}

// AddMember records an addition at ts. Only the newest addition is kept,
// so applying additions and removals in any order gives the same result.
func (tx *Tx) AddMember(chatID int64, contactID int64, ts time.Time) error {
	_, err := tx.exec(`INSERT INTO chat_members (chat_id, contact_id, add_timestamp) VALUES (?, ?, ?)
		ON CONFLICT (chat_id, contact_id) DO UPDATE SET add_timestamp = MAX(add_timestamp, excluded.add_timestamp)`,
		chatID, contactID, millis(ts))
	return wrap(err, "adding chat member")
}

// RemoveMember records a removal at ts; see AddMember.
func (tx *Tx) RemoveMember(chatID int64, contactID int64, ts time.Time) error {
	_, err := tx.exec(`INSERT INTO chat_members (chat_id, contact_id, remove_timestamp) VALUES (?, ?, ?)
		ON CONFLICT (chat_id, contact_id) DO UPDATE SET remove_timestamp = MAX(remove_timestamp, excluded.remove_timestamp)`,
		chatID, contactID, millis(ts))
	return wrap(err, "removing chat member")
}

func (tx *Tx) Member(chatID int64, contactID int64) (*model.ChatMember, error) {
	var r memberRow
	found, err := tx.get(&r, `SELECT * FROM chat_members WHERE chat_id = ? AND contact_id = ?`, chatID, contactID)
	if err != nil {
		return nil, wrap(err, "looking up chat member")
	} else if !found {
		return nil, nil
	}
	return r.toModel(), nil
}

func (tx *Tx) IsMember(chatID int64, contactID int64) (bool, error) {
	m, err := tx.Member(chatID, contactID)
	if err != nil || m == nil {
		return false, err
	}
	return m.Active(), nil
}

// Members returns the active member contact IDs of a chat in ascending order.
func (tx *Tx) Members(chatID int64) ([]int64, error) {
	var ids []int64
	err := tx.selectRows(&ids, `SELECT contact_id FROM chat_members
		WHERE chat_id = ? AND add_timestamp > remove_timestamp ORDER BY contact_id`, chatID)
	if err != nil {
		return nil, wrap(err, "listing chat members")
	}
	return ids, nil
}
