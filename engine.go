package main

import (
	"context"
	"log"
	"sync"
	"time"
)

// broadcaster is the outbound half of the gateway as the engine sees it:
// fan-out to a room's channel or to one player. The hub implements it.
type broadcaster interface {
	toRoom(roomID int64, event string, payload any)
	toPlayer(userID int64, event string, payload any)
}

// Outbound event payloads. Seat pointers are nil when no seat is involved
// (tie, no majority, peaceful night).
type tickEvent struct {
	Timer  int   `json:"timer"`
	Status Phase `json:"status"`
	Day    int   `json:"day"`
}

type voteResultEvent struct {
	TargetSeat *int   `json:"targetSeat"`
	Message    string `json:"message"`
}

type punishResultEvent struct {
	Executed   bool   `json:"executed"`
	TargetSeat *int   `json:"targetSeat"`
	Message    string `json:"message"`
}

type nightResultEvent struct {
	Died       bool   `json:"died"`
	TargetSeat *int   `json:"targetSeat"`
	Message    string `json:"message"`
}

type gameEndEvent struct {
	Winner  Team   `json:"winner"`
	Message string `json:"message"`
}

type leaveEvent struct {
	PlayerID int64 `json:"playerId"`
}

// PhaseTimes holds the countdown lengths. Each phase has two durations; the
// first day runs the longer one so players can find their bearings. Tick is
// how often a countdown unit elapses: one second in production, shrunk to
// milliseconds by tests.
type PhaseTimes struct {
	Meeting      int
	MeetingFirst int
	Vote         int
	VoteFirst    int
	Punish       int
	PunishFirst  int
	Night        int
	NightFirst   int

	Tick time.Duration
}

func (pt PhaseTimes) seconds(phase Phase, day int) int {
	first := day == 1
	switch phase {
	case PhaseMeeting:
		if first {
			return pt.MeetingFirst
		}
		return pt.Meeting
	case PhaseVote:
		if first {
			return pt.VoteFirst
		}
		return pt.Vote
	case PhasePunishment:
		if first {
			return pt.PunishFirst
		}
		return pt.Punish
	case PhaseNight:
		if first {
			return pt.NightFirst
		}
		return pt.Night
	}
	return 0
}

// engineManager owns one engine goroutine per active room. Engines are
// spawned at start quorum and removed when their room's game ends or the
// room is deleted externally.
type engineManager struct {
	store    RoomStateStore
	bus      broadcaster
	recorder MatchRecorder
	times    PhaseTimes

	mu      sync.Mutex
	engines map[int64]*engine
}

func newEngineManager(store RoomStateStore, bus broadcaster, recorder MatchRecorder, times PhaseTimes) *engineManager {
	return &engineManager{
		store:    store,
		bus:      bus,
		recorder: recorder,
		times:    times,
		engines:  make(map[int64]*engine),
	}
}

// startEngine spawns the phase loop for a room. Calling it twice for the
// same room is a no-op; a room never has two countdowns running.
func (m *engineManager) startEngine(roomID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.engines[roomID]; running {
		log.Printf("Engine for room %d already running, ignoring start", roomID)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &engine{
		roomID: roomID,
		mgr:    m,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.engines[roomID] = e
	go e.run(ctx)
	log.Printf("Engine started for room %d", roomID)
}

// stopEngine cancels a room's phase loop and waits for it to exit.
func (m *engineManager) stopEngine(roomID int64) {
	m.mu.Lock()
	e := m.engines[roomID]
	m.mu.Unlock()
	if e == nil {
		return
	}
	e.cancel()
	<-e.done
}

// stopAll shuts every engine down, for process shutdown.
func (m *engineManager) stopAll() {
	m.mu.Lock()
	engines := make([]*engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.Unlock()
	for _, e := range engines {
		e.cancel()
		<-e.done
	}
}

func (m *engineManager) remove(roomID int64) {
	m.mu.Lock()
	delete(m.engines, roomID)
	m.mu.Unlock()
}

// running reports whether a room currently has a phase loop.
func (m *engineManager) running(roomID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.engines[roomID]
	return ok
}

// wait blocks until the room's engine exits, for tests and shutdown paths.
func (m *engineManager) wait(roomID int64) {
	m.mu.Lock()
	e := m.engines[roomID]
	m.mu.Unlock()
	if e != nil {
		<-e.done
	}
}

// endGame broadcasts the result, records the score and removes the room's
// game record. Escaped players stay in the win arithmetic but are filtered
// from the credited set handed to the recorder. Called from the engine's own
// resolution step and from the gateway's leave path.
func (m *engineManager) endGame(ctx context.Context, roomID int64, players []Player, winner Team) {
	m.bus.toRoom(roomID, "game-end", gameEndEvent{Winner: winner, Message: msgGameEnd(winner)})
	maybeNarrate(m.bus, roomID, msgGameEnd(winner))
	if err := m.recorder.RecordMatchResult(ctx, roomID, scoredPlayers(players), winner); err != nil {
		logError("endGame: record match result", err)
	}
	if err := m.store.DeleteRoom(ctx, roomID); err != nil {
		logError("endGame: delete room", err)
	}
	narratorForget(roomID)
	log.Printf("Game in room %d ended, winner: %s", roomID, winner)
}

// engine runs one room's phase loop: countdown, resolve, persist, repeat.
// All writes that advance the game happen here, strictly sequentially; the
// gateway only ever appends votes and skill targets for the engine to read.
type engine struct {
	roomID int64
	mgr    *engineManager
	cancel context.CancelFunc
	done   chan struct{}
}

func (e *engine) run(ctx context.Context) {
	defer close(e.done)
	defer e.mgr.remove(e.roomID)

	for {
		phase, err := getPhase(ctx, e.mgr.store, e.roomID)
		if err != nil {
			if err == ErrRoomGone {
				log.Printf("Room %d gone, engine stopping", e.roomID)
			} else {
				logError("engine: read phase", err)
			}
			return
		}
		day, err := getDay(ctx, e.mgr.store, e.roomID)
		if err != nil {
			logError("engine: read day", err)
			return
		}

		if !e.countdown(ctx, phase, day) {
			return
		}

		next, err := e.resolve(ctx, phase, day)
		if err != nil {
			// Advancing on a failed resolution would corrupt the
			// day-namespaced counters; hold the phase and rerun it.
			logError("engine: resolve "+string(phase), err)
			continue
		}
		if next == "" {
			return
		}
	}
}

// countdown ticks a phase down to zero, broadcasting each remaining unit.
// Returns false if the engine should stop: cancelled, or the room's game
// record disappeared under it.
func (e *engine) countdown(ctx context.Context, phase Phase, day int) bool {
	DebugLog("Room %d entering %s (day %d)", e.roomID, phase, day)
	ticker := time.NewTicker(e.mgr.times.Tick)
	defer ticker.Stop()

	for remaining := e.mgr.times.seconds(phase, day); remaining > 0; remaining-- {
		e.mgr.bus.toRoom(e.roomID, "tick", tickEvent{Timer: remaining, Status: phase, Day: day})
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		exists, err := e.mgr.store.RoomExists(ctx, e.roomID)
		if err != nil {
			logError("engine: room existence check", err)
			continue
		}
		if !exists {
			log.Printf("Room %d deleted mid-countdown, engine stopping", e.roomID)
			return false
		}
	}
	return true
}

// resolve closes out an expired phase and persists the next one. It returns
// the next phase, or "" when the game ended and the engine must stop.
func (e *engine) resolve(ctx context.Context, phase Phase, day int) (Phase, error) {
	switch phase {
	case PhaseMeeting:
		return e.transition(ctx, PhaseVote)
	case PhaseVote:
		return e.resolveVote(ctx, day)
	case PhasePunishment:
		return e.resolvePunishment(ctx, day)
	case PhaseNight:
		return e.resolveNight(ctx, day)
	}
	log.Printf("Room %d in unknown phase %q, engine stopping", e.roomID, phase)
	return "", nil
}

func (e *engine) transition(ctx context.Context, next Phase) (Phase, error) {
	if err := setPhase(ctx, e.mgr.store, e.roomID, next); err != nil {
		return "", err
	}
	return next, nil
}

func (e *engine) resolveVote(ctx context.Context, day int) (Phase, error) {
	players, err := getPlayers(ctx, e.mgr.store, e.roomID)
	if err != nil {
		if err == ErrRoomGone {
			return "", nil
		}
		return "", err
	}
	counts, err := getVoteCounts(ctx, e.mgr.store, e.roomID, day, len(players))
	if err != nil {
		return "", err
	}
	ballot := NewAccusationBallot(counts)

	// Tie first: a tie at the top routes to night even when it clears the
	// majority threshold numerically.
	if ballot.IsTie() {
		e.mgr.bus.toRoom(e.roomID, "vote-result", voteResultEvent{Message: msgVoteTie()})
		return e.transition(ctx, PhaseNight)
	}
	if ballot.HasMajority(countLiving(players)) {
		seat := ballot.ElectedSeat()
		elected := playerBySeat(players, seat)
		if elected == nil || elected.Die {
			// Votes for dead seats are rejected at the gateway, so this
			// only happens if the elected player died mid-phase. Treat it
			// like a failed vote rather than executing a corpse.
			log.Printf("Room %d day %d: elected seat %d is not a living player", e.roomID, day, seat)
			e.mgr.bus.toRoom(e.roomID, "vote-result", voteResultEvent{Message: msgVoteNoMajority()})
			return e.transition(ctx, PhaseNight)
		}
		if err := setSeatTarget(ctx, e.mgr.store, e.roomID, fieldPunishTarget(day), seat); err != nil {
			return "", err
		}
		e.mgr.bus.toRoom(e.roomID, "vote-result", voteResultEvent{
			TargetSeat: &seat,
			Message:    msgVoteMajority(elected.Nickname),
		})
		return e.transition(ctx, PhasePunishment)
	}
	e.mgr.bus.toRoom(e.roomID, "vote-result", voteResultEvent{Message: msgVoteNoMajority()})
	return e.transition(ctx, PhaseNight)
}

func (e *engine) resolvePunishment(ctx context.Context, day int) (Phase, error) {
	players, err := getPlayers(ctx, e.mgr.store, e.roomID)
	if err != nil {
		if err == ErrRoomGone {
			return "", nil
		}
		return "", err
	}
	agreements, err := getInt(ctx, e.mgr.store, e.roomID, fieldPunish(day))
	if err != nil {
		return "", err
	}
	ballot := NewPunishmentBallot(agreements)

	if !ballot.HasMajority(countLiving(players)) {
		e.mgr.bus.toRoom(e.roomID, "punish-result", punishResultEvent{Message: msgPunishNoMajority()})
		return e.transition(ctx, PhaseNight)
	}

	seat, err := getSeatTarget(ctx, e.mgr.store, e.roomID, fieldPunishTarget(day))
	if err != nil {
		return "", err
	}
	condemned := playerBySeat(players, seat)
	if condemned == nil {
		log.Printf("Room %d day %d: punishment majority with no pending target", e.roomID, day)
		return e.transition(ctx, PhaseNight)
	}

	condemned.Die = true
	if err := setPlayers(ctx, e.mgr.store, e.roomID, players); err != nil {
		return "", err
	}

	msg := msgPunishCitizen()
	if condemned.Role == RoleMafia {
		msg = msgPunishMafia()
	}
	e.mgr.bus.toRoom(e.roomID, "punish-result", punishResultEvent{
		Executed:   true,
		TargetSeat: &seat,
		Message:    msg,
	})
	maybeNarrate(e.mgr.bus, e.roomID, msg)
	log.Printf("Room %d day %d: seat %d (%s) executed", e.roomID, day, seat, condemned.Nickname)

	if winner, won := evaluateWin(players); won {
		e.mgr.endGame(ctx, e.roomID, players, winner)
		return "", nil
	}
	return e.transition(ctx, PhaseNight)
}

func (e *engine) resolveNight(ctx context.Context, day int) (Phase, error) {
	players, err := getPlayers(ctx, e.mgr.store, e.roomID)
	if err != nil {
		if err == ErrRoomGone {
			return "", nil
		}
		return "", err
	}
	mafiaSeat, err := getSeatTarget(ctx, e.mgr.store, e.roomID, fieldMafiaTarget(day))
	if err != nil {
		return "", err
	}
	doctorSeat, err := getSeatTarget(ctx, e.mgr.store, e.roomID, fieldDoctorTarget(day))
	if err != nil {
		return "", err
	}

	switch {
	case mafiaSeat == 0:
		e.mgr.bus.toRoom(e.roomID, "night-result", nightResultEvent{Message: msgNightPeaceful()})

	case mafiaSeat == doctorSeat:
		saved := playerBySeat(players, doctorSeat)
		name := ""
		if saved != nil {
			name = saved.Nickname
		}
		e.mgr.bus.toRoom(e.roomID, "night-result", nightResultEvent{
			TargetSeat: &doctorSeat,
			Message:    msgNightSaved(name),
		})

	default:
		victim := playerBySeat(players, mafiaSeat)
		if victim == nil {
			log.Printf("Room %d day %d: mafia target seat %d does not exist", e.roomID, day, mafiaSeat)
			e.mgr.bus.toRoom(e.roomID, "night-result", nightResultEvent{Message: msgNightPeaceful()})
			break
		}
		victim.Die = true
		if err := setPlayers(ctx, e.mgr.store, e.roomID, players); err != nil {
			return "", err
		}
		msg := msgNightKilled(victim.Nickname)
		e.mgr.bus.toRoom(e.roomID, "night-result", nightResultEvent{
			Died:       true,
			TargetSeat: &mafiaSeat,
			Message:    msg,
		})
		maybeNarrate(e.mgr.bus, e.roomID, msg)
		log.Printf("Room %d day %d: seat %d (%s) killed at night", e.roomID, day, mafiaSeat, victim.Nickname)

		if winner, won := evaluateWin(players); won {
			e.mgr.endGame(ctx, e.roomID, players, winner)
			return "", nil
		}
	}

	if _, err := e.mgr.store.Incr(ctx, e.roomID, fieldDay()); err != nil {
		return "", err
	}
	return e.transition(ctx, PhaseMeeting)
}

// playerBySeat returns a pointer into players for the given seat, nil if the
// seat is out of range.
func playerBySeat(players []Player, seat int) *Player {
	for i := range players {
		if players[i].Seat == seat {
			return &players[i]
		}
	}
	return nil
}
