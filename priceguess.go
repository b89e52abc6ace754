// Partybox-style Price Guessing Game
//
// Players join a game session with a display name, and each round are shown
// an item (description plus image reference). During the guessing window they
// submit price guesses; the closer the guess, the more points they earn.
//
// Features:
// - WebSockets per game ID: /path/:gameid and /path/:gameid/ws
// - Rounds advance on a one-second countdown: showing -> guessing -> results
// - Deck of items drawn randomly without replacement; game ends when empty
// - Scores accumulate on every accepted guess: max(0, 100 - diff/price*100)
// - Player roster frozen at game start; later joiners wait for the next game
// - Disconnects are terminal for the player and update everyone immediately
// - Games auto-reaped after configurable idle timeout
// - Random 8-char game IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the current session, backed by go-qrcode
//
// Known quirk kept from the JS client's protocol: "update" messages carry the
// item's true price in every phase, so an inspecting client can cheat. The
// bundled client only renders it during results.

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/json"
	"log"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Game phases
const (
	phaseWaiting  = "waiting"
	phaseShowing  = "showing"
	phaseGuessing = "guessing"
	phaseResults  = "results"
)

// Player holds the data we store server-side
type Player struct {
	ID           string
	Name         string
	Score        int
	CurrentGuess float64
	LastDiff     *float64 // absolute error of the latest guess, nil before the first

	client *Client
}

// GameState is the authoritative state of one running (or idle) game.
// The roster is the set of players captured at game start; players who
// connect mid-game are not part of it until the next start.
type GameState struct {
	isRunning     bool
	phase         string
	timeRemaining int
	currentItem   *Item
	roster        []*Player
}

// Messages coming from clients
type ClientMessage struct {
	Type  string  `json:"type"`            // "join", "start", "guess"
	Name  string  `json:"name,omitempty"`  // join
	Guess float64 `json:"guess,omitempty"` // guess
}

// WelcomeMessage is sent to a single client after a successful join.
type WelcomeMessage struct {
	Type     string `json:"type"` // "welcome"
	PlayerID string `json:"playerId"`
}

// PlayerInfo is one entry in a "players" broadcast.
type PlayerInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// PlayersMessage broadcasts the full registry after every change and guess.
type PlayersMessage struct {
	Type    string       `json:"type"` // "players"
	Players []PlayerInfo `json:"players"`
}

// ItemInfo is the wire form of the current item.
type ItemInfo struct {
	ID    string  `json:"id"`
	Desc  string  `json:"desc"`
	Img   string  `json:"img"`
	Price float64 `json:"price"`
}

// RosterEntry is one roster player in an "update" broadcast.
// LastDiff is emitted as 0 until the player has guessed this round.
type RosterEntry struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Score        int     `json:"score"`
	CurrentGuess float64 `json:"currentGuess"`
	LastDiff     float64 `json:"lastDiff"`
}

// GameStateInfo is the wire form of GameState.
type GameStateInfo struct {
	Phase         string        `json:"phase"`
	TimeRemaining int           `json:"timeRemaining"`
	CurrentItem   *ItemInfo     `json:"currentItem,omitempty"`
	Players       []RosterEntry `json:"players"`
}

// UpdateMessage broadcasts the game state on every transition and tick.
type UpdateMessage struct {
	Type      string        `json:"type"` // "update"
	GameState GameStateInfo `json:"gameState"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string // set on join; guarded by the hub mutex
}

type joinRequest struct {
	client *Client
	msg    ClientMessage
}

type guessRequest struct {
	client *Client
	msg    ClientMessage
}

// countdown is one scheduled ticker task. The hub owns at most one live
// task; replacing it closes stop, and a tick that still fires afterwards
// sees a stale task pointer and does nothing.
type countdown struct {
	stop chan struct{}
}

type Hub struct {
	id      string
	cfg     *Config
	clients map[*Client]bool
	players []*Player

	register chan *Client
	unreg    chan *Client
	joins    chan joinRequest
	starts   chan *Client
	guesses  chan guessRequest
	done     chan struct{}

	mu sync.RWMutex

	createdAt  time.Time
	lastActive time.Time

	clock clockwork.Clock
	deck  *deck
	game  GameState
	task  *countdown
}

func newHub(cfg *Config, gameID string) *Hub {
	now := time.Now()
	return &Hub{
		id:         gameID,
		cfg:        cfg,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		joins:      make(chan joinRequest),
		starts:     make(chan *Client),
		guesses:    make(chan guessRequest),
		done:       make(chan struct{}),
		createdAt:  now,
		lastActive: now,
		clock:      clockwork.NewRealClock(),
		deck:       newDeck(),
		game:       GameState{phase: phaseWaiting},
	}
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return

		case c := <-h.register:
			h.mu.Lock()
			h.lastActive = time.Now()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unreg:
			h.handleLeave(c)

		case jr := <-h.joins:
			h.handleJoin(jr)

		case c := <-h.starts:
			h.handleStart(c)

		case gr := <-h.guesses:
			h.handleGuess(gr)
		}
	}
}

// handleJoin processes "join" messages. Joining twice on one connection
// replaces the previous binding, so the registry never holds a player
// whose connection has moved on.
func (h *Hub) handleJoin(jr joinRequest) {
	c := jr.client

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	// A connection already dropped for a full send buffer cannot rejoin.
	if _, ok := h.clients[c]; !ok {
		return
	}

	if c.playerID != "" {
		h.removePlayerLocked(c.playerID)
	}

	player := &Player{
		ID:     uuid.NewString(),
		Name:   jr.msg.Name,
		client: c,
	}
	h.players = append(h.players, player)
	c.playerID = player.ID

	h.sendLocked(c, WelcomeMessage{
		Type:     "welcome",
		PlayerID: player.ID,
	})

	logf(h.cfg, "GAMES: Player %q joined %s", player.Name, h.id)

	h.broadcastPlayersLocked()
}

// handleLeave tears down a closed connection. A bound player is removed
// from the registry and from the current roster in the same critical
// section, so broadcast snapshots never see a half-removed player.
func (h *Hub) handleLeave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}

	if c.playerID == "" {
		return
	}

	h.removePlayerLocked(c.playerID)
	h.broadcastPlayersLocked()
}

// removePlayerLocked drops a player from the registry and the roster.
func (h *Hub) removePlayerLocked(playerID string) {
	dst := h.players[:0]
	for _, p := range h.players {
		if p.ID == playerID {
			continue
		}
		dst = append(dst, p)
	}
	h.players = dst

	roster := h.game.roster[:0]
	for _, p := range h.game.roster {
		if p.ID == playerID {
			continue
		}
		roster = append(roster, p)
	}
	h.game.roster = roster
}

// handleStart begins a new game unless one is already running. The current
// set of joined players becomes the roster, and all scores reset.
func (h *Hub) handleStart(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if h.game.isRunning {
		return
	}

	roster := make([]*Player, len(h.players))
	copy(roster, h.players)
	for _, p := range h.players {
		p.Score = 0
		p.CurrentGuess = 0
		p.LastDiff = nil
	}

	h.game = GameState{
		isRunning: true,
		phase:     phaseWaiting,
		roster:    roster,
	}

	logf(h.cfg, "GAMES: Started game %s with %d players", h.id, len(roster))

	h.nextRoundLocked()
}

// handleGuess records a price guess. Only bound connections whose player is
// in the current roster may guess, and only during the guessing phase;
// everything else is dropped without a reply.
func (h *Hub) handleGuess(gr guessRequest) {
	c := gr.client

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if c.playerID == "" || h.game.phase != phaseGuessing || h.game.currentItem == nil {
		return
	}

	var player *Player
	for _, p := range h.game.roster {
		if p.ID == c.playerID {
			player = p
			break
		}
	}
	if player == nil {
		return
	}

	price := h.game.currentItem.Price
	diff := math.Abs(gr.msg.Guess - price)

	player.CurrentGuess = gr.msg.Guess
	player.LastDiff = &diff

	// Each accepted guess scores immediately, so re-guessing accumulates.
	// A diff of the full price or more scores zero, which also keeps the
	// conversion below within int range.
	delta := 0
	if diff < price {
		delta = 100 - int(diff/price*100)
	}
	player.Score += delta

	logf(h.cfg, "GAMES: Player %q guessed %.2f (diff %.2f, +%d) in %s",
		player.Name, gr.msg.Guess, diff, delta, h.id)

	h.broadcastPlayersLocked()
}

// nextRoundLocked draws the next item and enters the showing phase, or ends
// the game once the deck is empty. One countdown task lives for the whole
// game: the first round starts it, later rounds reuse it.
func (h *Hub) nextRoundLocked() {
	item, ok := h.deck.draw()
	if !ok {
		h.endGameLocked()
		return
	}

	h.game.currentItem = &item
	h.game.phase = phaseShowing
	h.game.timeRemaining = h.cfg.showTime

	h.broadcastUpdateLocked()

	if h.task == nil {
		h.startTaskLocked()
	}
}

// endGameLocked returns the session to the lobby. Scores survive until the
// next start zeroes them; the deck refills for the next game.
func (h *Hub) endGameLocked() {
	h.cancelTaskLocked()

	h.game.isRunning = false
	h.game.phase = phaseWaiting
	h.game.timeRemaining = 0
	h.game.currentItem = nil

	h.broadcastUpdateLocked()

	h.deck.reset()

	logf(h.cfg, "GAMES: Game %s over, deck reset", h.id)
}

// startTaskLocked schedules a fresh countdown, replacing any previous one.
func (h *Hub) startTaskLocked() {
	h.cancelTaskLocked()

	task := &countdown{stop: make(chan struct{})}
	h.task = task

	go h.runCountdown(task)
}

func (h *Hub) cancelTaskLocked() {
	if h.task != nil {
		close(h.task.stop)
		h.task = nil
	}
}

// runCountdown drives one ticker until its task is replaced or the game
// leaves its phase sequence. Cancellation is non-interrupting: a tick that
// has already fired completes, and tick's stale-task guard makes it a no-op.
func (h *Hub) runCountdown(task *countdown) {
	ticker := h.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-task.stop:
			return
		case <-ticker.Chan():
			if h.tick(task) {
				return
			}
		}
	}
}

// tick decrements the clock, broadcasts the snapshot (clients see the 0
// value before the phase flips), and advances the phase at zero. Returns
// true once this task is finished.
func (h *Hub) tick(task *countdown) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.task != task || !h.game.isRunning {
		return true
	}

	h.lastActive = time.Now()

	h.game.timeRemaining--
	h.broadcastUpdateLocked()

	if h.game.timeRemaining > 0 {
		return false
	}

	switch h.game.phase {
	case phaseShowing:
		h.game.phase = phaseGuessing
		h.game.timeRemaining = h.cfg.guessTime
		h.broadcastUpdateLocked()

	case phaseGuessing:
		h.game.phase = phaseResults
		h.game.timeRemaining = h.cfg.resultsTime
		h.broadcastUpdateLocked()

	case phaseResults:
		for _, p := range h.game.roster {
			p.CurrentGuess = 0
			p.LastDiff = nil
		}
		h.nextRoundLocked()
	}

	// endGame clears the task once the deck runs out.
	return h.task != task || !h.game.isRunning
}

// sendLocked queues a message for one client, dropping the client if its
// send buffer is full. A client that has already been dropped has a closed
// send channel and is skipped.
func (h *Hub) sendLocked(c *Client, msg any) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

// broadcastPlayersLocked sends the full registry to every client.
func (h *Hub) broadcastPlayersLocked() {
	players := make([]PlayerInfo, 0, len(h.players))
	for _, p := range h.players {
		players = append(players, PlayerInfo{
			ID:    p.ID,
			Name:  p.Name,
			Score: p.Score,
		})
	}

	msg := PlayersMessage{
		Type:    "players",
		Players: players,
	}

	for client := range h.clients {
		h.sendLocked(client, msg)
	}
}

// broadcastUpdateLocked sends the game state snapshot to every client.
func (h *Hub) broadcastUpdateLocked() {
	players := make([]RosterEntry, 0, len(h.game.roster))
	for _, p := range h.game.roster {
		entry := RosterEntry{
			ID:           p.ID,
			Name:         p.Name,
			Score:        p.Score,
			CurrentGuess: p.CurrentGuess,
		}
		if p.LastDiff != nil {
			entry.LastDiff = *p.LastDiff
		}
		players = append(players, entry)
	}

	state := GameStateInfo{
		Phase:         h.game.phase,
		TimeRemaining: h.game.timeRemaining,
		Players:       players,
	}
	if h.game.currentItem != nil {
		state.CurrentItem = &ItemInfo{
			ID:    h.game.currentItem.ID,
			Desc:  h.game.currentItem.Description,
			Img:   h.game.currentItem.Image,
			Price: h.game.currentItem.Price,
		}
	}

	msg := UpdateMessage{
		Type:      "update",
		GameState: state,
	}

	for client := range h.clients {
		h.sendLocked(client, msg)
	}
}

// closeAll disconnects all clients of this hub and stops its run loop
// (used by reaper and shutdown).
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cancelTaskLocked()

	select {
	case <-h.done:
	default:
		close(h.done)
	}

	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		delete(h.clients, c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// GameManager holds a set of hubs keyed by game ID, so each $path/$gameid
// is its own isolated session.
type GameManager struct {
	mu          sync.Mutex
	cfg         *Config
	hubs        map[string]*Hub
	idleTimeout time.Duration
	done        chan struct{}
}

func newGameManager(cfg *Config) *GameManager {
	gm := &GameManager{
		cfg:         cfg,
		hubs:        make(map[string]*Hub),
		idleTimeout: cfg.sessionTimeout,
		done:        make(chan struct{}),
	}
	if gm.idleTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

func (gm *GameManager) getHub(gameID string) *Hub {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if hub, ok := gm.hubs[gameID]; ok {
		return hub
	}

	hub := newHub(gm.cfg, gameID)
	gm.hubs[gameID] = hub
	go hub.run()
	return hub
}

// newGameID generates a crypto-random game ID and ensures it doesn't
// collide with existing games.
func (gm *GameManager) newGameID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		gm.mu.Lock()
		_, exists := gm.hubs[id]
		gm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically removes hubs that have been idle longer than
// idleTimeout, cancelling their countdowns and closing their clients.
func (gm *GameManager) reaperLoop() {
	ticker := time.NewTicker(gm.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-gm.done:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-gm.idleTimeout)

		gm.mu.Lock()
		for id, hub := range gm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(gm.hubs, id)
				go hub.closeAll()
			}
		}
		gm.mu.Unlock()
	}
}

// Close stops the reaper and tears down all sessions.
func (gm *GameManager) Close() {
	close(gm.done)

	gm.mu.Lock()
	hubs := make([]*Hub, 0, len(gm.hubs))
	for id, hub := range gm.hubs {
		hubs = append(hubs, hub)
		delete(gm.hubs, id)
	}
	gm.mu.Unlock()

	for _, hub := range hubs {
		hub.closeAll()
	}
}

// WebSocket handler that picks the hub based on :gameid
func serveWSForManager(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if gameID == "" {
			http.Error(w, "missing game id", http.StatusBadRequest)
			return
		}

		hub := gm.getHub(gameID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(cfg, hub)
	}
}

func (c *Client) readPump(cfg *Config, h *Hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logf(cfg, "GAMES: Dropping malformed message in %s: %v", h.id, err)
			continue
		}

		switch msg.Type {
		case "join":
			select {
			case h.joins <- joinRequest{client: c, msg: msg}:
			case <-h.done:
				return
			}
		case "start":
			select {
			case h.starts <- c:
			case <-h.done:
				return
			}
		case "guess":
			select {
			case h.guesses <- guessRequest{client: c, msg: msg}:
			case <-h.done:
				return
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current game URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	gameID := ps.ByName("gameid")
	if gameID == "" {
		http.Error(w, "missing game id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:gameid/qr; strip trailing "/qr" to get the game URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

//go:embed assets/priceguess/index.html
var indexHTML []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

// redirectNewGame handles GET /path by generating a new random game ID
// (with server-side collision detection) and redirecting to /path/:gameid.
func redirectNewGame(cfg *Config, path string, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		gameID := gm.newGameID()
		logf(cfg, "GAMES: Created game %s/%s", path, gameID)
		http.Redirect(w, r, path+"/"+gameID, http.StatusTemporaryRedirect)
	}
}

// registerPriceGame sets up routes so that:
//   - $path                  → redirects to new random game (8-char ID)
//   - $path/:gameid          → HTML client
//   - $path/:gameid/ws       → WebSocket for that game
//   - $path/:gameid/qr       → PNG QR code for that game URL
func registerPriceGame(cfg *Config, path string, mux *httprouter.Router, errs chan<- error) *GameManager {
	gm := newGameManager(cfg)

	path = cfg.prefix + path

	// Root path → redirect to new random game
	mux.GET(path, redirectNewGame(cfg, path, gm))

	// Per-game client view (HTML)
	mux.GET(path+"/:gameid", getIndexHandler(cfg))

	// Shared assets (no gameid in route)
	mux.GET(cfg.prefix+"/assets/*asset", serveAssets(cfg, errs))

	// Per-game websocket
	mux.GET(path+"/:gameid/ws", serveWSForManager(cfg, gm))

	// Per-game QR code
	mux.GET(path+"/:gameid/qr", qrHandler)

	return gm
}
