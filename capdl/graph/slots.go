/*
 * capdl - Graph Builder slot and badge conventions.
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

// TCB slot conventions consumed by the runtime initialiser.
const (
	TCBSlotCSpace            = 0
	TCBSlotVSpace            = 1
	TCBSlotIPCBuffer         = 4
	TCBSlotFaultEP           = 5
	TCBSlotSC                = 6
	TCBSlotBoundNotification = 8
	TCBSlotVCPU              = 9
	TCBSlotExtendedVSpace    = 10
)

// CSpace slot conventions, every PD. The CSpace has 1024
// slots (10 bits); Guard = cap_address_bits - CSpaceSlotBits.
const (
	CSlotInput           = 1
	CSlotFaultEP         = 2
	CSlotVSpace          = 3
	CSlotReply           = 4
	CSlotMonitorEP       = 5
	CSlotOwnTCB          = 6
	CSlotTrustedCall     = 7
	CSlotOutboundNotify  = 10
	CSlotOutboundEP      = CSlotOutboundNotify + 64 // 74
	CSlotIRQBase         = CSlotOutboundEP + 64     // 138
	CSlotChildTCBBase    = CSlotIRQBase + 64        // 202
	CSlotChildSCBase     = CSlotChildTCBBase + 64   // 266
	CSlotVMTCBBase       = CSlotChildSCBase + 64     // 330
	CSlotVCPUBase        = CSlotVMTCBBase + 64       // 394
	CSlotIOPortBase      = CSlotVCPUBase + 64        // 458
	CSlotUserBase        = CSlotIOPortBase + 64      // 522
	CSpaceSlotBits       = 10
	CSpaceSlotCount      = 1 << CSpaceSlotBits
)

// Badge conventions: bit 63 marks a protected-procedure-
// call badge, bit 62 marks a fault badge; low bits carry the peer id.
const (
	BadgePPCBit   = uint64(1) << 63
	BadgeFaultBit = uint64(1) << 62
)

// schedContextBadgeBase is the base badge for a PD's own scheduling
// context (step C.4: badge = 0x100 + pd_index).
const schedContextBadgeBase = 0x100
