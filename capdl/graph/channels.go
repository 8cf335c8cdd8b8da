/*
 * capdl - Graph Builder step D: channels.
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

package graph

import (
	"fmt"

	"github.com/rcornwell/capdl/capdl/spec"
	"github.com/rcornwell/capdl/config/sysdesc"
)

// buildChannels is step D of the graph build: each <channel> installs up
// to two capabilities per end - a notify capability at the peer's
// notification (badge = 1<<peer_id) and, for ends requesting protected
// procedure calls, an endpoint capability at the peer's input
// endpoint (badge = PPC_BIT|peer_id).
func (b *Builder) buildChannels(desc *sysdesc.Description) error {
	for _, ch := range desc.Channels {
		if err := b.installChannelEnd(ch.End1, ch.End2); err != nil {
			return err
		}
		if err := b.installChannelEnd(ch.End2, ch.End1); err != nil {
			return err
		}
	}
	return nil
}

// installChannelEnd installs, into own's CSpace, the capabilities
// `own` needs to reach `peer` across their shared channel.
func (b *Builder) installChannelEnd(own, peer sysdesc.ChannelEnd) error {
	ownPD, ok := b.byName[own.PD]
	if !ok {
		return fmt.Errorf("channel end: unknown pd %q", own.PD)
	}
	peerPD, ok := b.byName[peer.PD]
	if !ok {
		return fmt.Errorf("channel end: unknown pd %q", peer.PD)
	}

	if own.Notify {
		slot := CSlotOutboundNotify + uint32(own.ID)
		cap := spec.Capability{
			Target: peerPD.notification,
			Kind:   spec.KindNotification,
			Rights: spec.AllRights(),
			Badge:  uint64(1) << uint(peer.ID),
		}
		if err := b.store.InsertCap(ownPD.cspace, slot, cap); err != nil {
			return err
		}
	}

	if own.PP {
		if peerPD.inputEndpoint == nil {
			return fmt.Errorf("channel end: pd %q has no input endpoint for a protected procedure call from %q", peer.PD, own.PD)
		}
		slot := CSlotOutboundEP + uint32(own.ID)
		cap := spec.Capability{
			Target: *peerPD.inputEndpoint,
			Kind:   spec.KindEndpoint,
			Rights: spec.AllRights(),
			Badge:  BadgePPCBit | uint64(peer.ID),
		}
		if err := b.store.InsertCap(ownPD.cspace, slot, cap); err != nil {
			return err
		}
	}

	return nil
}
