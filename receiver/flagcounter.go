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

package receiver

// FlagCounter is a hybrid between a counter and a flag.
// The channel returned by Channel is closed when the counter
// goes above zero.
type FlagCounter struct {
	counter uint
	ch      chan struct{}
}

func NewCounter() *FlagCounter {
	return &FlagCounter{}
}

func (c *FlagCounter) Flag() {
	c.counter++

	if c.counter == 1 && c.ch != nil {
		close(c.ch)
	}
}

func (c *FlagCounter) FlagIf(b bool) {
	if b {
		c.Flag()
	}
}

func (c *FlagCounter) IsFlagged() bool {
	return c.counter > 0
}

func (c *FlagCounter) Count() uint {
	return c.counter
}

func (c *FlagCounter) Reset() {
	c.counter = 0
	c.ch = nil
}

// Channel returns a channel that is closed once the counter is flagged.
// It stays valid until the next Reset.
func (c *FlagCounter) Channel() <-chan struct{} {
	if c.ch == nil {
		c.ch = make(chan struct{})
		if c.counter > 0 {
			close(c.ch)
		}
	}
	return c.ch
}
