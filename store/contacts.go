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

type contactRow struct {
	ID        int64  `db:"id"`
	Addr      string `db:"addr"`
	Name      string `db:"name"`
	CreatedAt int64  `db:"created_at"`
}

func (r *contactRow) toModel() *model.Contact {
	return &model.Contact{
		ID:        r.ID,
		Addr:      r.Addr,
		Name:      r.Name,
		CreatedAt: fromMillis(r.CreatedAt),
	}
}

// NormalizeAddr lower-cases and trims an address for use as a key.
func NormalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// EnsureSelf creates or renames the self contact. It must be the first
// contact created in a fresh database so it receives model.ContactSelf.
func (tx *Tx) EnsureSelf(addr string, now time.Time) error {
	addr = NormalizeAddr(addr)
	_, err := tx.exec(`INSERT INTO contacts (id, addr, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET addr = excluded.addr`, model.ContactSelf, addr, millis(now))
	return wrap(err, "ensuring self contact")
}

// UpsertContact returns the contact with the given address, creating it if
// needed. A non-empty name replaces an empty stored one.
func (tx *Tx) UpsertContact(addr string, name string, now time.Time) (*model.Contact, error) {
	addr = NormalizeAddr(addr)

	_, err := tx.exec(`INSERT INTO contacts (addr, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (addr) DO UPDATE SET name = CASE WHEN contacts.name = '' THEN excluded.name ELSE contacts.name END`,
		addr, name, millis(now))
	if err != nil {
		return nil, wrap(err, "upserting contact")
	}

	c, err := tx.ContactByAddr(addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (tx *Tx) ContactByAddr(addr string) (*model.Contact, error) {
	var r contactRow
	found, err := tx.get(&r, `SELECT * FROM contacts WHERE addr = ?`, NormalizeAddr(addr))
	if err != nil {
		return nil, wrap(err, "looking up contact")
	} else if !found {
		return nil, nil
	}
	return r.toModel(), nil
}

func (tx *Tx) Contact(id int64) (*model.Contact, error) {
	var r contactRow
	found, err := tx.get(&r, `SELECT * FROM contacts WHERE id = ?`, id)
	if err != nil {
		return nil, wrap(err, "looking up contact")
	} else if !found {
		return nil, nil
	}
	return r.toModel(), nil
}

func (tx *Tx) Contacts() ([]*model.Contact, error) {
	var rows []contactRow
	if err := tx.selectRows(&rows, `SELECT * FROM contacts ORDER BY id`); err != nil {
		return nil, wrap(err, "listing contacts")
	}

	out := make([]*model.Contact, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}
