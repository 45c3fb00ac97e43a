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

package account

import (
	"context"

	"github.com/vs49688/mailchat/model"
	"github.com/vs49688/mailchat/outbox"
	"github.com/vs49688/mailchat/securejoin"
	"github.com/vs49688/mailchat/store"
)

func (a *Account) checkOpen() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	return nil
}

func (a *Account) transact(ctx context.Context, fn func(tx *store.Tx) error) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	return a.store.Transact(ctx, fn)
}

// EnqueueSend stores a text message as Pending and queues it for delivery.
// The message is sent once the account is started.
func (a *Account) EnqueueSend(ctx context.Context, chatID int64, text string) (*model.Message, error) {
	var msg *model.Message
	err := a.transact(ctx, func(tx *store.Tx) (err error) {
		msg, _, err = a.outbox.Send(tx, &outbox.Intent{
			ChatID: chatID,
			Text:   text,
		})
		return
	})
	return msg, err
}

// CreateChat returns the 1:1 chat with addr, creating the contact and chat
// as needed.
func (a *Account) CreateChat(ctx context.Context, addr string, name string) (chat *model.Chat, err error) {
	err = a.transact(ctx, func(tx *store.Tx) error {
		now := a.cfg.Clock.Now()
		c, err := tx.UpsertContact(addr, name, now)
		if err != nil {
			return err
		}

		chat, err = tx.EnsureSingleChat(c, now)
		return err
	})
	return
}

// CreateGroup creates a group with only ourselves as a member. Others join
// with an invite from GenerateQRSession.
func (a *Account) CreateGroup(ctx context.Context, name string, verified bool) (chat *model.Chat, err error) {
	err = a.transact(ctx, func(tx *store.Tx) (err error) {
		chat, err = a.outbox.CreateGroup(tx, name, verified)
		return
	})
	return
}

// GenerateQRSession creates an invite. chatID 0 invites to a 1:1 contact,
// otherwise to the given group.
func (a *Account) GenerateQRSession(ctx context.Context, chatID int64) (*securejoin.QR, *model.SecureJoinSession, error) {
	if err := a.checkOpen(); err != nil {
		return nil, nil, err
	}
	return a.engine.GenerateQRSession(ctx, chatID)
}

// StartQRJoin begins the joiner side of a handshake from scanned invite text.
func (a *Account) StartQRJoin(ctx context.Context, text string) (*model.SecureJoinSession, error) {
	qr, err := securejoin.ParseQR(text)
	if err != nil {
		return nil, err
	}

	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	return a.engine.StartJoin(ctx, qr)
}

func (a *Account) Session(ctx context.Context, id int64) (*model.SecureJoinSession, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	return a.engine.Session(ctx, id)
}

func (a *Account) Chats(ctx context.Context) (chats []*model.Chat, err error) {
	err = a.transact(ctx, func(tx *store.Tx) (err error) {
		chats, err = tx.Chats()
		return
	})
	return
}

func (a *Account) Chat(ctx context.Context, id int64) (chat *model.Chat, err error) {
	err = a.transact(ctx, func(tx *store.Tx) (err error) {
		chat, err = tx.Chat(id)
		return
	})
	return
}

// Messages lists a chat in display order.
func (a *Account) Messages(ctx context.Context, chatID int64) (msgs []*model.Message, err error) {
	err = a.transact(ctx, func(tx *store.Tx) (err error) {
		msgs, err = tx.ChatMessages(chatID)
		return
	})
	return
}

func (a *Account) Message(ctx context.Context, id int64) (msg *model.Message, err error) {
	err = a.transact(ctx, func(tx *store.Tx) (err error) {
		msg, err = tx.Message(id)
		return
	})
	return
}

func (a *Account) Contact(ctx context.Context, id int64) (c *model.Contact, err error) {
	err = a.transact(ctx, func(tx *store.Tx) (err error) {
		c, err = tx.Contact(id)
		return
	})
	return
}

func (a *Account) ContactByAddr(ctx context.Context, addr string) (c *model.Contact, err error) {
	err = a.transact(ctx, func(tx *store.Tx) (err error) {
		c, err = tx.ContactByAddr(addr)
		return
	})
	return
}

func (a *Account) PeerState(ctx context.Context, addr string) (ps *model.PeerState, err error) {
	err = a.transact(ctx, func(tx *store.Tx) (err error) {
		ps, err = tx.PeerState(addr)
		return
	})
	return
}
