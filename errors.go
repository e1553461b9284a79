package main

import "errors"

// Action rejections surfaced to the acting client. Everything else
// (store I/O, marshaling) propagates as a wrapped error.
var (
	ErrNotPlayer      = errors.New("not a player in this game")
	ErrForbiddenSkill = errors.New("role skill not permitted for this role")
	ErrDeadTarget     = errors.New("target is already dead")
	ErrDeadActor      = errors.New("dead players cannot act")
	ErrNoSuchSeat     = errors.New("no such seat")
	ErrWrongPhase     = errors.New("action not allowed in this phase")

	// ErrRoomGone marks actions against a room whose game record has been
	// deleted. The gateway drops these silently: they are stragglers racing
	// the game-end broadcast, not client mistakes.
	ErrRoomGone = errors.New("game no longer exists")
)
