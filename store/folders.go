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
	"context"
)

// FolderCursor is the resume point of a watched folder.
type FolderCursor struct {
	UIDValidity uint32 `db:"uid_validity"`
	LastUID     uint32 `db:"last_uid"`
}

func (tx *Tx) FolderCursor(name string) (FolderCursor, error) {
	var c FolderCursor
	_, err := tx.get(&c, `SELECT uid_validity, last_uid FROM folders WHERE name = ?`, name)
	return c, wrap(err, "reading folder cursor")
}

func (tx *Tx) SetFolderCursor(name string, c FolderCursor) error {
	_, err := tx.exec(`INSERT INTO folders (name, uid_validity, last_uid) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET uid_validity = excluded.uid_validity, last_uid = excluded.last_uid`,
		name, c.UIDValidity, c.LastUID)
	return wrap(err, "writing folder cursor")
}

// LoadCursor and SaveCursor let the store serve as a folder watcher's
// cursor persistence.
func (s *Store) LoadCursor(ctx context.Context, folder string) (uidValidity uint32, lastUID uint32, err error) {
	err = s.Transact(ctx, func(tx *Tx) error {
		c, err := tx.FolderCursor(folder)
		uidValidity, lastUID = c.UIDValidity, c.LastUID
		return err
	})
	return
}

func (s *Store) SaveCursor(ctx context.Context, folder string, uidValidity uint32, lastUID uint32) error {
	return s.Transact(ctx, func(tx *Tx) error {
		return tx.SetFolderCursor(folder, FolderCursor{UIDValidity: uidValidity, LastUID: lastUID})
	})
}
