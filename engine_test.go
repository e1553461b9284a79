package main

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingBus captures outbound events instead of pushing them to sockets.
type recordingBus struct {
	mu     sync.Mutex
	events []busEvent
}

type busEvent struct {
	roomID  int64
	userID  int64
	event   string
	payload any
}

func (b *recordingBus) toRoom(roomID int64, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, busEvent{roomID: roomID, event: event, payload: payload})
}

func (b *recordingBus) toPlayer(userID int64, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, busEvent{userID: userID, event: event, payload: payload})
}

// last returns the most recent payload for an event name, nil if it never
// fired.
func (b *recordingBus) last(event string) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].event == event {
			return b.events[i].payload
		}
	}
	return nil
}

func (b *recordingBus) has(event string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e.event == event {
			return true
		}
	}
	return false
}

// captureRecorder remembers the single match result it was handed.
type captureRecorder struct {
	mu      sync.Mutex
	calls   int
	roomID  int64
	players []Player
	winner  Team
}

func (r *captureRecorder) RecordMatchResult(_ context.Context, roomID int64, players []Player, winner Team) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.roomID = roomID
	r.players = players
	r.winner = winner
	return nil
}

func (r *captureRecorder) result() (int, Team, []Player) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.winner, r.players
}

func fastTimes() PhaseTimes {
	return PhaseTimes{
		Meeting: 1, MeetingFirst: 1,
		Vote: 1, VoteFirst: 1,
		Punish: 1, PunishFirst: 1,
		Night: 1, NightFirst: 1,
		Tick: 2 * time.Millisecond,
	}
}

// fivePlayerTable is a fixed-seat table: seat 2 is the lone mafioso.
func fivePlayerTable() []Player {
	return []Player{
		{ID: 10, Nickname: "ann", Seat: 1, Role: RoleCitizen, Team: TeamCitizen},
		{ID: 11, Nickname: "bob", Seat: 2, Role: RoleMafia, Team: TeamMafia},
		{ID: 12, Nickname: "cat", Seat: 3, Role: RoleDoctor, Team: TeamCitizen},
		{ID: 13, Nickname: "dan", Seat: 4, Role: RolePolice, Team: TeamCitizen},
		{ID: 14, Nickname: "eve", Seat: 5, Role: RoleCitizen, Team: TeamCitizen},
	}
}

// sevenPlayerTable seats mafia at 2 and 6, so one execution does not end
// the game.
func sevenPlayerTable() []Player {
	return []Player{
		{ID: 10, Nickname: "ann", Seat: 1, Role: RoleCitizen, Team: TeamCitizen},
		{ID: 11, Nickname: "bob", Seat: 2, Role: RoleMafia, Team: TeamMafia},
		{ID: 12, Nickname: "cat", Seat: 3, Role: RoleDoctor, Team: TeamCitizen},
		{ID: 13, Nickname: "dan", Seat: 4, Role: RolePolice, Team: TeamCitizen},
		{ID: 14, Nickname: "eve", Seat: 5, Role: RoleCitizen, Team: TeamCitizen},
		{ID: 15, Nickname: "fox", Seat: 6, Role: RoleMafia, Team: TeamMafia},
		{ID: 16, Nickname: "gus", Seat: 7, Role: RoleCitizen, Team: TeamCitizen},
	}
}

func seedGame(t *testing.T, store RoomStateStore, roomID int64, players []Player, day int, phase Phase) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, setPlayers(ctx, store, roomID, players))
	require.NoError(t, store.Set(ctx, roomID, fieldDay(), strconv.Itoa(day)))
	require.NoError(t, setPhase(ctx, store, roomID, phase))
}

func castVotes(t *testing.T, store RoomStateStore, roomID int64, day, seat, times int) {
	t.Helper()
	for i := 0; i < times; i++ {
		_, err := store.Incr(context.Background(), roomID, fieldVote(day, seat))
		require.NoError(t, err)
	}
}

type engineFixture struct {
	store RoomStateStore
	bus   *recordingBus
	rec   *captureRecorder
	mgr   *engineManager
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store: newTestStore(t),
		bus:   &recordingBus{},
		rec:   &captureRecorder{},
	}
	f.mgr = newEngineManager(f.store, f.bus, f.rec, fastTimes())
	t.Cleanup(f.mgr.stopAll)
	return f
}

func (f *engineFixture) engine(roomID int64) *engine {
	return &engine{roomID: roomID, mgr: f.mgr}
}

func TestResolveMeetingOpensVote(t *testing.T) {
	f := newEngineFixture(t)
	seedGame(t, f.store, 1, fivePlayerTable(), 1, PhaseMeeting)

	next, err := f.engine(1).resolve(context.Background(), PhaseMeeting, 1)
	require.NoError(t, err)
	assert.Equal(t, PhaseVote, next)

	phase, err := getPhase(context.Background(), f.store, 1)
	require.NoError(t, err)
	assert.Equal(t, PhaseVote, phase)
}

func TestResolveVoteMajority(t *testing.T) {
	f := newEngineFixture(t)
	seedGame(t, f.store, 1, fivePlayerTable(), 1, PhaseVote)
	castVotes(t, f.store, 1, 1, 2, 3)
	castVotes(t, f.store, 1, 1, 4, 2)

	next, err := f.engine(1).resolveVote(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, PhasePunishment, next)

	pending, err := getSeatTarget(context.Background(), f.store, 1, fieldPunishTarget(1))
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	payload := f.bus.last("vote-result")
	require.NotNil(t, payload)
	result := payload.(voteResultEvent)
	require.NotNil(t, result.TargetSeat)
	assert.Equal(t, 2, *result.TargetSeat)
	assert.Contains(t, result.Message, "bob")
}

// A tie routes to night even when the tied count clears the majority
// threshold numerically.
func TestResolveVoteTieBeatsMajority(t *testing.T) {
	f := newEngineFixture(t)
	players := fivePlayerTable()
	players[3].Die = true
	players[4].Die = true // 3 alive, majority threshold is floor(3/2)=1
	seedGame(t, f.store, 1, players, 1, PhaseVote)
	castVotes(t, f.store, 1, 1, 2, 2)
	castVotes(t, f.store, 1, 1, 3, 2)

	next, err := f.engine(1).resolveVote(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, PhaseNight, next)

	result := f.bus.last("vote-result").(voteResultEvent)
	assert.Nil(t, result.TargetSeat)
	assert.Equal(t, msgVoteTie(), result.Message)
}

func TestResolveVoteNoMajority(t *testing.T) {
	f := newEngineFixture(t)
	seedGame(t, f.store, 1, fivePlayerTable(), 1, PhaseVote)
	castVotes(t, f.store, 1, 1, 2, 2) // 2 of 5 alive, needs 3

	next, err := f.engine(1).resolveVote(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, PhaseNight, next)

	result := f.bus.last("vote-result").(voteResultEvent)
	assert.Nil(t, result.TargetSeat)
	assert.Equal(t, msgVoteNoMajority(), result.Message)
}

func TestResolvePunishmentExecutes(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	seedGame(t, f.store, 1, sevenPlayerTable(), 1, PhasePunishment)
	require.NoError(t, setSeatTarget(ctx, f.store, 1, fieldPunishTarget(1), 2))
	for i := 0; i < 4; i++ { // 4 of 7 alive, needs round(3.5)=4
		_, err := f.store.Incr(ctx, 1, fieldPunish(1))
		require.NoError(t, err)
	}

	next, err := f.engine(1).resolvePunishment(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PhaseNight, next)

	players, err := getPlayers(ctx, f.store, 1)
	require.NoError(t, err)
	assert.True(t, playerBySeat(players, 2).Die)

	result := f.bus.last("punish-result").(punishResultEvent)
	assert.True(t, result.Executed)
	require.NotNil(t, result.TargetSeat)
	assert.Equal(t, 2, *result.TargetSeat)
	assert.Equal(t, msgPunishMafia(), result.Message)
	assert.False(t, f.bus.has("game-end"), "one dead mafioso of two does not end the game")
}

func TestResolvePunishmentNoMajority(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	seedGame(t, f.store, 1, fivePlayerTable(), 1, PhasePunishment)
	require.NoError(t, setSeatTarget(ctx, f.store, 1, fieldPunishTarget(1), 2))
	_, err := f.store.Incr(ctx, 1, fieldPunish(1)) // 1 of 5, needs 3
	require.NoError(t, err)

	next, err := f.engine(1).resolvePunishment(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PhaseNight, next)

	players, err := getPlayers(ctx, f.store, 1)
	require.NoError(t, err)
	assert.False(t, playerBySeat(players, 2).Die, "rejected execution leaves the accused alive")

	result := f.bus.last("punish-result").(punishResultEvent)
	assert.False(t, result.Executed)
	assert.Equal(t, msgPunishNoMajority(), result.Message)
}

func TestResolvePunishmentEndsGame(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	seedGame(t, f.store, 1, fivePlayerTable(), 1, PhasePunishment)
	require.NoError(t, setSeatTarget(ctx, f.store, 1, fieldPunishTarget(1), 2))
	for i := 0; i < 3; i++ {
		_, err := f.store.Incr(ctx, 1, fieldPunish(1))
		require.NoError(t, err)
	}

	next, err := f.engine(1).resolvePunishment(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Phase(""), next, "a decided game stops the engine")

	require.True(t, f.bus.has("game-end"))
	end := f.bus.last("game-end").(gameEndEvent)
	assert.Equal(t, TeamCitizen, end.Winner)

	calls, winner, scored := f.rec.result()
	assert.Equal(t, 1, calls)
	assert.Equal(t, TeamCitizen, winner)
	assert.Len(t, scored, 5)

	exists, err := f.store.RoomExists(ctx, 1)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestResolveNightPeaceful(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	seedGame(t, f.store, 1, fivePlayerTable(), 1, PhaseNight)

	next, err := f.engine(1).resolveNight(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PhaseMeeting, next)

	result := f.bus.last("night-result").(nightResultEvent)
	assert.False(t, result.Died)
	assert.Equal(t, msgNightPeaceful(), result.Message)

	day, err := getDay(ctx, f.store, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, day, "night closes the day")
}

func TestResolveNightDoctorSave(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	seedGame(t, f.store, 1, fivePlayerTable(), 1, PhaseNight)
	require.NoError(t, setSeatTarget(ctx, f.store, 1, fieldMafiaTarget(1), 3))
	require.NoError(t, setSeatTarget(ctx, f.store, 1, fieldDoctorTarget(1), 3))

	next, err := f.engine(1).resolveNight(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PhaseMeeting, next)

	players, err := getPlayers(ctx, f.store, 1)
	require.NoError(t, err)
	assert.False(t, playerBySeat(players, 3).Die)

	result := f.bus.last("night-result").(nightResultEvent)
	assert.False(t, result.Died)
	assert.Contains(t, result.Message, "cat")
}

func TestResolveNightKill(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	seedGame(t, f.store, 1, sevenPlayerTable(), 1, PhaseNight)
	require.NoError(t, setSeatTarget(ctx, f.store, 1, fieldMafiaTarget(1), 3))
	require.NoError(t, setSeatTarget(ctx, f.store, 1, fieldDoctorTarget(1), 5))

	next, err := f.engine(1).resolveNight(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PhaseMeeting, next)

	players, err := getPlayers(ctx, f.store, 1)
	require.NoError(t, err)
	assert.True(t, playerBySeat(players, 3).Die)

	result := f.bus.last("night-result").(nightResultEvent)
	assert.True(t, result.Died)
	require.NotNil(t, result.TargetSeat)
	assert.Equal(t, 3, *result.TargetSeat)
}

func TestResolveNightKillEndsGame(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	players := fivePlayerTable()
	players[0].Die = true
	players[2].Die = true // alive: mafia at 2, police at 4, citizen at 5
	seedGame(t, f.store, 1, players, 3, PhaseNight)
	require.NoError(t, setSeatTarget(ctx, f.store, 1, fieldMafiaTarget(3), 4))

	next, err := f.engine(1).resolveNight(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, Phase(""), next)

	end := f.bus.last("game-end").(gameEndEvent)
	assert.Equal(t, TeamMafia, end.Winner)

	calls, winner, _ := f.rec.result()
	assert.Equal(t, 1, calls)
	assert.Equal(t, TeamMafia, winner)
}

// Full loop: five players, a majority vote on the lone mafioso, a confirmed
// execution, citizens win, the engine stops and the room is gone.
func TestEngineRunsFullRound(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	seedGame(t, f.store, 1, fivePlayerTable(), 1, PhaseMeeting)
	castVotes(t, f.store, 1, 1, 2, 3)
	castVotes(t, f.store, 1, 1, 4, 2)
	for i := 0; i < 3; i++ {
		_, err := f.store.Incr(ctx, 1, fieldPunish(1))
		require.NoError(t, err)
	}

	f.mgr.startEngine(1)
	require.Eventually(t, func() bool { return !f.mgr.running(1) },
		2*time.Second, 5*time.Millisecond, "engine did not finish the round")

	assert.True(t, f.bus.has("tick"))
	assert.True(t, f.bus.has("vote-result"))
	assert.True(t, f.bus.has("punish-result"))
	assert.True(t, f.bus.has("game-end"))

	calls, winner, scored := f.rec.result()
	assert.Equal(t, 1, calls)
	assert.Equal(t, TeamCitizen, winner)
	assert.Len(t, scored, 5)

	exists, err := f.store.RoomExists(ctx, 1)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEngineStartIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	f.mgr.times.Meeting = 1000
	f.mgr.times.MeetingFirst = 1000
	seedGame(t, f.store, 1, fivePlayerTable(), 1, PhaseMeeting)

	f.mgr.startEngine(1)
	f.mgr.startEngine(1)
	assert.True(t, f.mgr.running(1))

	f.mgr.stopEngine(1)
	assert.False(t, f.mgr.running(1))
}

func TestEngineStopsWhenRoomDeleted(t *testing.T) {
	f := newEngineFixture(t)
	f.mgr.times.MeetingFirst = 1000
	seedGame(t, f.store, 1, fivePlayerTable(), 1, PhaseMeeting)

	f.mgr.startEngine(1)
	require.True(t, f.mgr.running(1))

	require.NoError(t, f.store.DeleteRoom(context.Background(), 1))
	require.Eventually(t, func() bool { return !f.mgr.running(1) },
		2*time.Second, 5*time.Millisecond, "engine kept running after its room vanished")
	assert.False(t, f.bus.has("game-end"), "a vanished room ends silently")
}

// failOnceStore fails the first read of one field, then behaves normally.
type failOnceStore struct {
	RoomStateStore
	mu        sync.Mutex
	failField string
	failed    bool
}

func (s *failOnceStore) Get(ctx context.Context, roomID int64, field string) (string, bool, error) {
	s.mu.Lock()
	if field == s.failField && !s.failed {
		s.failed = true
		s.mu.Unlock()
		return "", false, errors.New("store hiccup")
	}
	s.mu.Unlock()
	return s.RoomStateStore.Get(ctx, roomID, field)
}

// A failed resolution holds the phase: the countdown reruns and the next
// attempt resolves normally.
func TestEngineHoldsPhaseOnStoreError(t *testing.T) {
	inner := newTestStore(t)
	store := &failOnceStore{RoomStateStore: inner, failField: fieldPlayers()}
	bus := &recordingBus{}
	rec := &captureRecorder{}
	times := fastTimes()
	// Park the engine once it reaches night so the poll below cannot miss it
	times.Night = 1000
	times.NightFirst = 1000
	mgr := newEngineManager(store, bus, rec, times)
	t.Cleanup(mgr.stopAll)

	seedGame(t, store, 1, fivePlayerTable(), 1, PhaseVote)

	mgr.startEngine(1)
	require.Eventually(t, func() bool {
		phase, err := getPhase(context.Background(), store, 1)
		return err == nil && phase == PhaseNight
	}, 2*time.Second, 5*time.Millisecond, "vote phase never resolved after the store recovered")
	mgr.stopEngine(1)

	result := bus.last("vote-result").(voteResultEvent)
	assert.Equal(t, msgVoteNoMajority(), result.Message)
}
