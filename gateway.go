package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// PresenceChecker is the session collaborator. It vouches that a user id
// presented at connect time belongs to a live session; the core does not own
// auth or sessions.
type PresenceChecker interface {
	IsOnline(userID int64) bool
}

// allowAllPresence accepts every connection. Used when no presence service
// is wired in, and by tests.
type allowAllPresence struct{}

func (allowAllPresence) IsOnline(int64) bool { return true }

// WSMessage represents a message from the client
type WSMessage struct {
	Action     string `json:"action"`
	RoomID     int64  `json:"roomId,omitempty"`
	TargetSeat int    `json:"targetSeat,omitempty"`
	Agree      bool   `json:"agree,omitempty"`
}

// wsEnvelope is the outbound frame: event name plus payload.
type wsEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Client represents a websocket connection with player info
type Client struct {
	conn    *websocket.Conn
	connID  string
	userID  int64
	roomID  int64
	writeMu sync.Mutex // Serialize writes to WebSocket (required by gorilla/websocket)
}

// Hub fans events out to connected clients, scoped by room or by player.
type Hub struct {
	clients    map[*websocket.Conn]*Client
	register   chan *Client
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	done       chan struct{}
	wg         sync.WaitGroup

	// onLastDisconnect fires when a user's final connection for a room goes
	// away, so the gateway can treat a vanished player as having left.
	onLastDisconnect func(roomID, userID int64)
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]*Client),
		register:   make(chan *Client),
		unregister: make(chan *websocket.Conn, 64),
		done:       make(chan struct{}),
	}
}

// stop signals the hub goroutine to exit and waits for it to finish
func (h *Hub) stop() {
	close(h.done)
	h.wg.Wait()
}

// add hands a new client to the hub goroutine. Reports false when the hub
// has already stopped, so upgrade handlers do not block on a dead channel.
func (h *Hub) add(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// remove hands a closed connection to the hub goroutine, closing it directly
// when the hub is already gone.
func (h *Hub) remove(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
		conn.Close()
	}
}

func (h *Hub) run() {
	h.wg.Add(1)
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client connected (conn %s, user %d, room %d). Total: %d",
				client.connID, client.userID, client.roomID, total)

		case conn := <-h.unregister:
			var goneRoomID, goneUserID int64
			h.mu.Lock()
			client, ok := h.clients[conn]
			if ok {
				delete(h.clients, conn)
				conn.Close()

				// Check if the user has any remaining connections to the room
				hasOtherConn := false
				for _, c := range h.clients {
					if c.userID == client.userID && c.roomID == client.roomID {
						hasOtherConn = true
						break
					}
				}
				if !hasOtherConn {
					DebugLog("User %d has no more connections to room %d", client.userID, client.roomID)
					goneRoomID, goneUserID = client.roomID, client.userID
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected. Total: %d", total)
			// Fire the callback after releasing the mutex, it broadcasts
			// back through sendToRoom which needs the read lock
			if goneUserID != 0 && h.onLastDisconnect != nil {
				h.onLastDisconnect(goneRoomID, goneUserID)
			}
		}
	}
}

func (h *Hub) write(client *Client, message []byte) {
	client.writeMu.Lock()
	err := client.conn.WriteMessage(websocket.TextMessage, message)
	client.writeMu.Unlock()
	if err != nil {
		log.Printf("WebSocket write error to user %d: %v", client.userID, err)
	}
}

// toRoom sends an event to every connection in a room.
func (h *Hub) toRoom(roomID int64, event string, payload any) {
	message, err := json.Marshal(wsEnvelope{Event: event, Data: payload})
	if err != nil {
		logError("hub.toRoom: marshal "+event, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.roomID == roomID {
			LogWSMessage("OUT", strconv.FormatInt(client.userID, 10), string(message))
			h.write(client, message)
		}
	}
}

// toPlayer sends an event to every connection a single user holds.
func (h *Hub) toPlayer(userID int64, event string, payload any) {
	message, err := json.Marshal(wsEnvelope{Event: event, Data: payload})
	if err != nil {
		logError("hub.toPlayer: marshal "+event, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.userID == userID {
			LogWSMessage("OUT", strconv.FormatInt(userID, 10), string(message))
			h.write(client, message)
		}
	}
}

// Gateway routes inbound websocket actions to the game core and pushes
// results back through the hub.
type Gateway struct {
	store    RoomStateStore
	hub      *Hub
	bus      broadcaster
	engines  *engineManager
	presence PresenceChecker
}

func newGateway(store RoomStateStore, hub *Hub, engines *engineManager, presence PresenceChecker) *Gateway {
	if presence == nil {
		presence = allowAllPresence{}
	}
	gw := &Gateway{
		store:    store,
		hub:      hub,
		bus:      hub,
		engines:  engines,
		presence: presence,
	}
	hub.onLastDisconnect = gw.playerVanished
	return gw
}

// handleWebSocket upgrades the connection and starts its read loop. Identity
// comes from query parameters; whether that identity is real is the presence
// collaborator's problem.
func (gw *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)
	if err != nil || userID == 0 {
		http.Error(w, "Missing userId", http.StatusBadRequest)
		return
	}
	roomID, err := strconv.ParseInt(r.URL.Query().Get("roomId"), 10, 64)
	if err != nil || roomID == 0 {
		http.Error(w, "Missing roomId", http.StatusBadRequest)
		return
	}
	if !gw.presence.IsOnline(userID) {
		DebugLog("Rejected WebSocket connection for user %d, not online", userID)
		http.Error(w, "Not logged in", http.StatusUnauthorized)
		return
	}

	var upgrader = websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error for user %d: %v", userID, err)
		return
	}

	client := &Client{
		conn:   conn,
		connID: uuid.NewString(),
		userID: userID,
		roomID: roomID,
	}
	DebugLog("WebSocket upgraded for user %d in room %d (conn %s)", userID, roomID, client.connID)
	if !gw.hub.add(client) {
		conn.Close()
		return
	}

	go func() {
		defer gw.hub.remove(conn)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				break
			}
			gw.handleWSMessage(client, message)
		}
	}()
}

func (gw *Gateway) handleWSMessage(client *Client, raw []byte) {
	LogWSMessage("IN", strconv.FormatInt(client.userID, 10), string(raw))

	var msg WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("Invalid WebSocket message from user %d: %v", client.userID, err)
		return
	}
	roomID := client.roomID
	if msg.RoomID != 0 {
		roomID = msg.RoomID
	}

	ctx := context.Background()
	var err error
	switch msg.Action {
	case "join":
		err = gw.handleJoin(ctx, roomID)
	case "start":
		err = gw.handleStart(ctx, roomID, client.userID)
	case "vote":
		err = gw.handleVote(ctx, roomID, client.userID, msg.TargetSeat)
	case "punishVote":
		err = gw.handlePunishVote(ctx, roomID, client.userID, msg.Agree)
	case "mafiaSkill":
		err = gw.handleSkill(ctx, roomID, client.userID, msg.TargetSeat, RoleMafia)
	case "doctorSkill":
		err = gw.handleSkill(ctx, roomID, client.userID, msg.TargetSeat, RoleDoctor)
	case "policeSkill":
		err = gw.handlePoliceSkill(ctx, roomID, client.userID, msg.TargetSeat)
	case "leave":
		err = gw.leaveGame(ctx, roomID, client.userID)
	default:
		log.Printf("Unknown action %q from user %d", msg.Action, client.userID)
		return
	}

	if err != nil {
		// A vanished room means the game resolved while the message was in
		// flight. That is not the client's fault, drop it quietly.
		if err == ErrRoomGone {
			DebugLog("Dropping %q from user %d, room %d is gone", msg.Action, client.userID, roomID)
			return
		}
		DebugLog("Rejected %q from user %d: %v", msg.Action, client.userID, err)
		gw.bus.toPlayer(client.userID, "error", map[string]string{"message": err.Error()})
	}
}

// handleJoin counts a member as arrived. When the last member arrives the
// game is dealt: day 1, meeting phase, roles and seats assigned.
func (gw *Gateway) handleJoin(ctx context.Context, roomID int64) error {
	players, err := getPlayers(ctx, gw.store, roomID)
	if err != nil {
		return err
	}
	joined, err := gw.store.Incr(ctx, roomID, fieldJoinCount())
	if err != nil {
		return fmt.Errorf("join room %d: %w", roomID, err)
	}
	DebugLog("Room %d: %d/%d joined", roomID, joined, len(players))
	if joined != len(players) {
		return nil
	}

	dealRoles(players)
	if err := setPlayers(ctx, gw.store, roomID, players); err != nil {
		return fmt.Errorf("deal room %d: %w", roomID, err)
	}
	if err := gw.store.Set(ctx, roomID, fieldDay(), "1"); err != nil {
		return fmt.Errorf("open day for room %d: %w", roomID, err)
	}
	if err := setPhase(ctx, gw.store, roomID, PhaseMeeting); err != nil {
		return fmt.Errorf("open phase for room %d: %w", roomID, err)
	}
	log.Printf("Room %d: all %d players joined, roles dealt", roomID, len(players))
	gw.bus.toRoom(roomID, "join-complete", nil)
	return nil
}

// handleStart hands the acting player their redacted view of the table and
// counts their readiness. When the last player is ready the phase loop
// starts.
func (gw *Gateway) handleStart(ctx context.Context, roomID, userID int64) error {
	players, err := getPlayers(ctx, gw.store, roomID)
	if err != nil {
		return err
	}
	actor := playerByID(players, userID)
	if actor == nil {
		return ErrNotPlayer
	}

	gw.bus.toPlayer(userID, "start", map[string]any{
		"players": redactFor(*actor, players),
	})

	ready, err := gw.store.Incr(ctx, roomID, fieldStartCount())
	if err != nil {
		return fmt.Errorf("start room %d: %w", roomID, err)
	}
	DebugLog("Room %d: %d/%d ready", roomID, ready, len(players))
	if ready == len(players) {
		log.Printf("Room %d: all players ready, game starting", roomID)
		gw.engines.startEngine(roomID)
	}
	return nil
}

func (gw *Gateway) handleVote(ctx context.Context, roomID, userID int64, targetSeat int) error {
	players, day, err := gw.actionState(ctx, roomID, PhaseVote)
	if err != nil {
		return err
	}
	if err := checkActor(players, userID); err != nil {
		return err
	}
	if err := checkTarget(players, targetSeat); err != nil {
		return err
	}
	// Deliberately no dedup: a retried vote counts twice, same as the wire
	// protocol this replaces.
	if _, err := gw.store.Incr(ctx, roomID, fieldVote(day, targetSeat)); err != nil {
		return fmt.Errorf("vote in room %d: %w", roomID, err)
	}
	return nil
}

func (gw *Gateway) handlePunishVote(ctx context.Context, roomID, userID int64, agree bool) error {
	players, day, err := gw.actionState(ctx, roomID, PhasePunishment)
	if err != nil {
		return err
	}
	if err := checkActor(players, userID); err != nil {
		return err
	}
	if !agree {
		return nil
	}
	if _, err := gw.store.Incr(ctx, roomID, fieldPunish(day)); err != nil {
		return fmt.Errorf("punish vote in room %d: %w", roomID, err)
	}
	return nil
}

// handleSkill records a night target for the mafia or the doctor. Last write
// for the night wins.
func (gw *Gateway) handleSkill(ctx context.Context, roomID, userID int64, targetSeat int, role Role) error {
	players, day, err := gw.actionState(ctx, roomID, PhaseNight)
	if err != nil {
		return err
	}
	actor := playerByID(players, userID)
	if actor == nil {
		return ErrNotPlayer
	}
	if actor.Die {
		return ErrDeadActor
	}
	if actor.Role != role {
		return ErrForbiddenSkill
	}
	if err := checkTarget(players, targetSeat); err != nil {
		return err
	}

	field := fieldMafiaTarget(day)
	if role == RoleDoctor {
		field = fieldDoctorTarget(day)
	}
	if err := setSeatTarget(ctx, gw.store, roomID, field, targetSeat); err != nil {
		return fmt.Errorf("record %s target in room %d: %w", role, roomID, err)
	}
	return nil
}

// handlePoliceSkill answers the requester with the target's role. It writes
// nothing and is not bound to a phase.
func (gw *Gateway) handlePoliceSkill(ctx context.Context, roomID, userID int64, targetSeat int) error {
	players, err := getPlayers(ctx, gw.store, roomID)
	if err != nil {
		return err
	}
	actor := playerByID(players, userID)
	if actor == nil {
		return ErrNotPlayer
	}
	if actor.Die {
		return ErrDeadActor
	}
	if actor.Role != RolePolice {
		return ErrForbiddenSkill
	}
	if err := checkTarget(players, targetSeat); err != nil {
		return err
	}

	target := playerBySeat(players, targetSeat)
	gw.bus.toPlayer(userID, "police-result", map[string]string{
		"message": msgPoliceReveal(target.Nickname, target.Role),
	})
	return nil
}

// leaveGame marks a player as escaped and dead, announces it, and re-checks
// the win conditions their absence may have tipped.
func (gw *Gateway) leaveGame(ctx context.Context, roomID, userID int64) error {
	players, err := getPlayers(ctx, gw.store, roomID)
	if err != nil {
		return err
	}
	actor := playerByID(players, userID)
	if actor == nil {
		return ErrNotPlayer
	}
	if actor.Escaped {
		return nil
	}
	actor.Die = true
	actor.Escaped = true
	if err := setPlayers(ctx, gw.store, roomID, players); err != nil {
		return fmt.Errorf("record leave in room %d: %w", roomID, err)
	}
	log.Printf("Room %d: user %d (%s) left the game", roomID, userID, actor.Nickname)
	gw.bus.toRoom(roomID, "leave", leaveEvent{PlayerID: userID})

	// No win check before roles are dealt. A role-less table has zero
	// mafia and would read as a citizen win for a game that never began.
	if actor.Role == "" {
		return nil
	}
	if winner, won := evaluateWin(players); won {
		gw.engines.endGame(ctx, roomID, players, winner)
	}
	return nil
}

// playerVanished runs when a user's last connection for a room drops. A game
// does not wait for ghosts.
func (gw *Gateway) playerVanished(roomID, userID int64) {
	err := gw.leaveGame(context.Background(), roomID, userID)
	if err != nil && err != ErrRoomGone && err != ErrNotPlayer {
		logError("gateway: leave on disconnect", err)
	}
}

// actionState loads the player list and the current day, checking the room
// is in the expected phase.
func (gw *Gateway) actionState(ctx context.Context, roomID int64, want Phase) ([]Player, int, error) {
	players, err := getPlayers(ctx, gw.store, roomID)
	if err != nil {
		return nil, 0, err
	}
	phase, err := getPhase(ctx, gw.store, roomID)
	if err != nil {
		return nil, 0, err
	}
	if phase != want {
		return nil, 0, fmt.Errorf("%w: room is in %s", ErrWrongPhase, phase)
	}
	day, err := getDay(ctx, gw.store, roomID)
	if err != nil {
		return nil, 0, err
	}
	return players, day, nil
}

func checkActor(players []Player, userID int64) error {
	actor := playerByID(players, userID)
	if actor == nil {
		return ErrNotPlayer
	}
	if actor.Die {
		return ErrDeadActor
	}
	return nil
}

// checkTarget validates that targetSeat can be acted on. A seat whose player
// escaped is still targetable; only a resolved death blocks it.
func checkTarget(players []Player, targetSeat int) error {
	target := playerBySeat(players, targetSeat)
	if target == nil {
		return ErrNoSuchSeat
	}
	if target.Die && !target.Escaped {
		return ErrDeadTarget
	}
	return nil
}

func playerByID(players []Player, userID int64) *Player {
	for i := range players {
		if players[i].ID == userID {
			return &players[i]
		}
	}
	return nil
}

// redactFor builds the player list as one player is allowed to see it at
// game start: everyone's seat and nickname, roles hidden except the viewer's
// own.
// Mafia additionally see which seats their fellow mafia hold.
func redactFor(viewer Player, players []Player) []Player {
	out := make([]Player, len(players))
	for i, p := range players {
		view := p
		if p.ID != viewer.ID {
			sameMafia := viewer.Role == RoleMafia && p.Role == RoleMafia
			if !sameMafia {
				view.Role = ""
				view.Team = ""
			}
		}
		out[i] = view
	}
	return out
}
