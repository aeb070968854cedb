// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package nvstore

import "fmt"

// State is a state of the incremental write state machine.
type State uint8

// States. A commit runs Idle -> ExchangeCRC -> WriteBlock -> InvalidateOld ->
// Idle; a relocation runs Idle -> ExchangeCRC -> ErasePage -> WriteBlock ->
// Idle.
const (
	StateUninitialized State = iota
	StateIdle
	StateExchangeCRC
	StateErasePage
	StateWriteBlock
	StateInvalidateOld
	numStates
)

var stateNames = [numStates]string{
	StateUninitialized: "Uninitialized",
	StateIdle:          "Idle",
	StateExchangeCRC:   "ExchangeCrc",
	StateErasePage:     "ErasePage",
	StateWriteBlock:    "WriteBlock",
	StateInvalidateOld: "InvalidateOldBlock",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s >= numStates {
		return fmt.Sprintf("State(%d)", uint8(s))
	}
	return stateNames[s]
}

// transitions lists the successors of every state. Any state may fall back to
// Uninitialized when the store trips.
var transitions = [numStates][]State{
	StateUninitialized: {StateIdle},
	StateIdle:          {StateExchangeCRC},
	StateExchangeCRC:   {StateWriteBlock, StateErasePage},
	StateErasePage:     {StateErasePage, StateWriteBlock},
	StateWriteBlock:    {StateWriteBlock, StateInvalidateOld, StateIdle},
	StateInvalidateOld: {StateIdle},
}

// canMove reports whether the state machine may go from s to next.
func (s State) canMove(next State) bool {
	if s >= numStates || next >= numStates {
		return false
	}
	if next == StateUninitialized {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}
