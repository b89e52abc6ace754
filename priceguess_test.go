/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
)

func testConfig() *Config {
	return &Config{
		bind:           "127.0.0.1",
		port:           8080,
		showTime:       5,
		guessTime:      30,
		resultsTime:    10,
		sessionTimeout: time.Hour,
	}
}

func newTestHub(t *testing.T, cfg *Config) (*Hub, *clockwork.FakeClock) {
	t.Helper()

	h := newHub(cfg, "TESTGAME")
	fc := clockwork.NewFakeClock()
	h.clock = fc
	go h.run()

	return h, fc
}

func newTestClient(t *testing.T, h *Hub) *Client {
	t.Helper()

	c := &Client{send: make(chan any, 256)}
	h.register <- c

	return c
}

func nextMessage(t *testing.T, c *Client) any {
	t.Helper()

	select {
	case msg, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed while waiting for message")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	return nil
}

func nextPlayers(t *testing.T, c *Client) PlayersMessage {
	t.Helper()

	msg := nextMessage(t, c)
	pm, ok := msg.(PlayersMessage)
	if !ok {
		t.Fatalf("expected players message, got %#v", msg)
	}
	return pm
}

func nextUpdate(t *testing.T, c *Client) UpdateMessage {
	t.Helper()

	msg := nextMessage(t, c)
	um, ok := msg.(UpdateMessage)
	if !ok {
		t.Fatalf("expected update message, got %#v", msg)
	}
	return um
}

// join sends a join for c and consumes the welcome unicast plus the players
// broadcast c receives for its own join. Other clients' queues are untouched.
func join(t *testing.T, h *Hub, c *Client, name string) string {
	t.Helper()

	h.joins <- joinRequest{client: c, msg: ClientMessage{Type: "join", Name: name}}

	msg := nextMessage(t, c)
	w, ok := msg.(WelcomeMessage)
	if !ok {
		t.Fatalf("expected welcome message, got %#v", msg)
	}
	if _, err := uuid.Parse(w.PlayerID); err != nil {
		t.Fatalf("welcome playerId %q is not a uuid: %v", w.PlayerID, err)
	}

	nextPlayers(t, c)

	return w.PlayerID
}

// advance fires one countdown tick and collects every update it produced
// (one mid-phase, two at a phase boundary).
func advance(t *testing.T, fc *clockwork.FakeClock, c *Client) []UpdateMessage {
	t.Helper()

	fc.Advance(time.Second)

	upds := []UpdateMessage{nextUpdate(t, c)}
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				t.Fatal("send channel closed mid-tick")
			}
			um, isUpdate := msg.(UpdateMessage)
			if !isUpdate {
				t.Fatalf("expected update message, got %#v", msg)
			}
			upds = append(upds, um)
		case <-time.After(50 * time.Millisecond):
			return upds
		}
	}
}

func checkSnapshot(t *testing.T, upd UpdateMessage) {
	t.Helper()

	gs := upd.GameState
	if gs.TimeRemaining < 0 {
		t.Fatalf("negative timeRemaining in %s snapshot: %d", gs.Phase, gs.TimeRemaining)
	}
	if (gs.Phase == phaseWaiting) != (gs.CurrentItem == nil) {
		t.Fatalf("phase %s with currentItem=%v violates the waiting invariant", gs.Phase, gs.CurrentItem)
	}
}

func TestJoinAssignsUniqueIDs(t *testing.T) {
	h, _ := newTestHub(t, testConfig())

	a := newTestClient(t, h)
	b := newTestClient(t, h)

	idA := join(t, h, a, "Alice")
	nextPlayers(t, b) // Alice's join

	idB := join(t, h, b, "Bob")
	pm := nextPlayers(t, a) // Bob's join

	if idA == idB {
		t.Fatalf("duplicate player id %q", idA)
	}
	if len(pm.Players) != 2 {
		t.Fatalf("expected 2 players, got %d", len(pm.Players))
	}
	for _, p := range pm.Players {
		if p.Score != 0 {
			t.Fatalf("player %q joined with score %d", p.Name, p.Score)
		}
	}
}

func TestStartEntersShowing(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg)

	c := newTestClient(t, h)
	id := join(t, h, c, "Alice")

	h.starts <- c

	upd := nextUpdate(t, c)
	checkSnapshot(t, upd)

	gs := upd.GameState
	if gs.Phase != phaseShowing {
		t.Fatalf("expected phase showing, got %s", gs.Phase)
	}
	if gs.TimeRemaining != cfg.showTime {
		t.Fatalf("expected timeRemaining %d, got %d", cfg.showTime, gs.TimeRemaining)
	}
	if gs.CurrentItem == nil || gs.CurrentItem.Price <= 0 {
		t.Fatalf("expected current item with positive price, got %#v", gs.CurrentItem)
	}
	if len(gs.Players) != 1 || gs.Players[0].ID != id {
		t.Fatalf("expected roster [%s], got %#v", id, gs.Players)
	}
}

func TestRoundLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.showTime, cfg.guessTime, cfg.resultsTime = 2, 2, 2
	h, fc := newTestHub(t, cfg)

	c := newTestClient(t, h)
	join(t, h, c, "Alice")

	h.starts <- c
	first := nextUpdate(t, c)
	checkSnapshot(t, first)
	firstItem := first.GameState.CurrentItem.ID

	fc.BlockUntil(1)

	expect := []struct {
		phases []string
		times  []int
	}{
		{[]string{phaseShowing}, []int{1}},
		{[]string{phaseShowing, phaseGuessing}, []int{0, 2}},
		{[]string{phaseGuessing}, []int{1}},
		{[]string{phaseGuessing, phaseResults}, []int{0, 2}},
		{[]string{phaseResults}, []int{1}},
		{[]string{phaseResults, phaseShowing}, []int{0, 2}},
	}

	var secondItem string
	for step, want := range expect {
		upds := advance(t, fc, c)
		if len(upds) != len(want.phases) {
			t.Fatalf("step %d: expected %d updates, got %d", step, len(want.phases), len(upds))
		}
		for i, upd := range upds {
			checkSnapshot(t, upd)
			if upd.GameState.Phase != want.phases[i] || upd.GameState.TimeRemaining != want.times[i] {
				t.Fatalf("step %d: expected %s/%d, got %s/%d",
					step, want.phases[i], want.times[i],
					upd.GameState.Phase, upd.GameState.TimeRemaining)
			}
			if step == len(expect)-1 && upd.GameState.Phase == phaseShowing {
				secondItem = upd.GameState.CurrentItem.ID
			}
		}
	}

	// The second round must draw a different item.
	if secondItem == firstItem {
		t.Fatalf("second round redrew item %q", firstItem)
	}
}

func TestGuessScoring(t *testing.T) {
	cfg := testConfig()
	cfg.showTime = 1
	h, fc := newTestHub(t, cfg)

	c := newTestClient(t, h)
	join(t, h, c, "Alice")

	h.starts <- c
	nextUpdate(t, c)

	fc.BlockUntil(1)
	upds := advance(t, fc, c)
	guessing := upds[len(upds)-1]
	if guessing.GameState.Phase != phaseGuessing {
		t.Fatalf("expected guessing phase, got %s", guessing.GameState.Phase)
	}
	price := guessing.GameState.CurrentItem.Price

	// Exact guess scores 100.
	h.guesses <- guessRequest{client: c, msg: ClientMessage{Type: "guess", Guess: price}}
	if pm := nextPlayers(t, c); pm.Players[0].Score != 100 {
		t.Fatalf("exact guess: expected score 100, got %d", pm.Players[0].Score)
	}

	// A guess off by the full price scores 0.
	h.guesses <- guessRequest{client: c, msg: ClientMessage{Type: "guess", Guess: price * 2}}
	if pm := nextPlayers(t, c); pm.Players[0].Score != 100 {
		t.Fatalf("far guess: expected score 100, got %d", pm.Players[0].Score)
	}

	// So does an absurdly large one.
	h.guesses <- guessRequest{client: c, msg: ClientMessage{Type: "guess", Guess: 1e300}}
	if pm := nextPlayers(t, c); pm.Players[0].Score != 100 {
		t.Fatalf("absurd guess: expected score 100, got %d", pm.Players[0].Score)
	}

	// Re-guessing accumulates.
	h.guesses <- guessRequest{client: c, msg: ClientMessage{Type: "guess", Guess: price}}
	if pm := nextPlayers(t, c); pm.Players[0].Score != 200 {
		t.Fatalf("re-guess: expected score 200, got %d", pm.Players[0].Score)
	}

	// The next tick's snapshot carries the recorded guess.
	upds = advance(t, fc, c)
	entry := upds[0].GameState.Players[0]
	if entry.CurrentGuess != price || entry.LastDiff != 0 {
		t.Fatalf("expected currentGuess=%f lastDiff=0, got %#v", price, entry)
	}
}

func TestGuessIgnoredOutsideGuessingPhase(t *testing.T) {
	h, _ := newTestHub(t, testConfig())

	a := newTestClient(t, h)
	join(t, h, a, "Alice")

	h.starts <- a
	nextUpdate(t, a) // showing

	// Guess during showing must be dropped; a later join flushes the queue
	// and shows the score untouched.
	h.guesses <- guessRequest{client: a, msg: ClientMessage{Type: "guess", Guess: 1}}

	b := newTestClient(t, h)
	join(t, h, b, "Bob")

	pm := nextPlayers(t, a)
	for _, p := range pm.Players {
		if p.Score != 0 {
			t.Fatalf("player %q scored %d outside the guessing phase", p.Name, p.Score)
		}
	}
}

func TestLateJoinerNotInRoster(t *testing.T) {
	cfg := testConfig()
	cfg.showTime = 1
	h, fc := newTestHub(t, cfg)

	a := newTestClient(t, h)
	idA := join(t, h, a, "Alice")

	h.starts <- a
	nextUpdate(t, a)

	// Bob joins mid-game: listed in players, absent from the roster.
	b := newTestClient(t, h)
	join(t, h, b, "Bob")
	nextPlayers(t, a)

	fc.BlockUntil(1)
	upds := advance(t, fc, a)
	for _, upd := range upds {
		if len(upd.GameState.Players) != 1 || upd.GameState.Players[0].ID != idA {
			t.Fatalf("expected roster [%s], got %#v", idA, upd.GameState.Players)
		}
	}

	// Bob's guesses are rejected; Alice's land. One players broadcast
	// follows, reflecting only Alice's score.
	price := upds[len(upds)-1].GameState.CurrentItem.Price
	h.guesses <- guessRequest{client: b, msg: ClientMessage{Type: "guess", Guess: price}}
	h.guesses <- guessRequest{client: a, msg: ClientMessage{Type: "guess", Guess: price}}

	pm := nextPlayers(t, a)
	for _, p := range pm.Players {
		switch p.ID {
		case idA:
			if p.Score != 100 {
				t.Fatalf("expected Alice at 100, got %d", p.Score)
			}
		default:
			if p.Score != 0 {
				t.Fatalf("expected non-roster player at 0, got %d", p.Score)
			}
		}
	}
}

func TestDisconnectMidRound(t *testing.T) {
	cfg := testConfig()
	cfg.showTime = 1
	h, fc := newTestHub(t, cfg)

	a := newTestClient(t, h)
	idA := join(t, h, a, "Alice")

	b := newTestClient(t, h)
	join(t, h, b, "Bob")
	nextPlayers(t, a) // Alice sees Bob's join

	h.starts <- a
	upd := nextUpdate(t, a)
	if len(upd.GameState.Players) != 2 {
		t.Fatalf("expected roster of 2, got %d", len(upd.GameState.Players))
	}
	nextUpdate(t, b)

	h.unreg <- b

	pm := nextPlayers(t, a)
	if len(pm.Players) != 1 || pm.Players[0].ID != idA {
		t.Fatalf("expected registry [%s] after disconnect, got %#v", idA, pm.Players)
	}

	fc.BlockUntil(1)
	upds := advance(t, fc, a)
	for _, upd := range upds {
		if len(upd.GameState.Players) != 1 || upd.GameState.Players[0].ID != idA {
			t.Fatalf("expected roster [%s] after disconnect, got %#v", idA, upd.GameState.Players)
		}
	}
}

func TestDroppedClientCannotRejoin(t *testing.T) {
	h, _ := newTestHub(t, testConfig())

	b := newTestClient(t, h)

	// Alice's welcome fills her single-slot buffer, so the players
	// broadcast that follows overflows it and drops her.
	a := &Client{send: make(chan any, 1)}
	h.register <- a
	h.joins <- joinRequest{client: a, msg: ClientMessage{Type: "join", Name: "Alice"}}
	nextPlayers(t, b)

	// A join from the dropped connection must be ignored, not unicast a
	// welcome into the closed channel.
	h.joins <- joinRequest{client: a, msg: ClientMessage{Type: "join", Name: "Alice"}}

	// The hub is still alive and serving other clients, and the ignored
	// join added no second Alice entry.
	h.joins <- joinRequest{client: b, msg: ClientMessage{Type: "join", Name: "Bob"}}
	nextMessage(t, b) // welcome
	pm := nextPlayers(t, b)

	names := 0
	for _, p := range pm.Players {
		if p.Name == "Alice" {
			names++
		}
	}
	if names != 1 {
		t.Fatalf("expected one Alice entry in the registry, got %d: %#v", names, pm.Players)
	}
}

func TestCloseAllStopsHub(t *testing.T) {
	h, _ := newTestHub(t, testConfig())

	c := newTestClient(t, h)
	join(t, h, c, "Alice")

	h.starts <- c
	nextUpdate(t, c)

	h.closeAll()

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("closeAll did not signal shutdown")
	}

	// The client's send channel drains to closed.
	for {
		select {
		case _, ok := <-c.send:
			if !ok {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("send channel never closed after closeAll")
		}
	}
}

func TestDoubleStartIsNoOp(t *testing.T) {
	cfg := testConfig()
	h, fc := newTestHub(t, cfg)

	c := newTestClient(t, h)
	join(t, h, c, "Alice")

	h.starts <- c
	nextUpdate(t, c)

	h.starts <- c

	// No new showing entry: the countdown continues from where it was.
	fc.BlockUntil(1)
	upds := advance(t, fc, c)
	if len(upds) != 1 {
		t.Fatalf("expected a single tick update, got %d", len(upds))
	}
	if got := upds[0].GameState.TimeRemaining; got != cfg.showTime-1 {
		t.Fatalf("expected timeRemaining %d, got %d", cfg.showTime-1, got)
	}
}

func TestDeckExhaustionEndsGame(t *testing.T) {
	cfg := testConfig()
	cfg.showTime, cfg.guessTime, cfg.resultsTime = 1, 1, 1
	h, fc := newTestHub(t, cfg)

	c := newTestClient(t, h)
	join(t, h, c, "Alice")

	h.starts <- c
	first := nextUpdate(t, c)

	items := map[string]bool{first.GameState.CurrentItem.ID: true}

	fc.BlockUntil(1)

	var final UpdateMessage
	for ticks := 0; ticks < 60; ticks++ {
		upds := advance(t, fc, c)
		done := false
		for _, upd := range upds {
			checkSnapshot(t, upd)
			if upd.GameState.Phase == phaseShowing && upd.GameState.CurrentItem != nil {
				items[upd.GameState.CurrentItem.ID] = true
			}
			if upd.GameState.Phase == phaseWaiting {
				final = upd
				done = true
			}
		}
		if done {
			break
		}
	}

	if final.Type != "update" {
		t.Fatal("game never returned to waiting")
	}
	if len(items) != 5 {
		t.Fatalf("expected 5 distinct items across the game, got %d", len(items))
	}
	if final.GameState.CurrentItem != nil {
		t.Fatalf("waiting snapshot still has an item: %#v", final.GameState.CurrentItem)
	}

	// A new start draws from the reset deck.
	h.starts <- c
	upd := nextUpdate(t, c)
	if upd.GameState.Phase != phaseShowing || upd.GameState.CurrentItem == nil {
		t.Fatalf("expected a fresh showing phase, got %s", upd.GameState.Phase)
	}
}

func TestWebsocketJoinAndStart(t *testing.T) {
	cfg := testConfig()

	mux := httprouter.New()
	errs := make(chan error, 8)
	gm := registerPriceGame(cfg, "/price", mux, errs)
	t.Cleanup(gm.Close)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/price/WSTEST01/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Skipf("skipping test; websocket dial unavailable: %v", err)
	}
	defer conn.Close()

	// Malformed frames are dropped without closing the connection.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	if err := conn.WriteJSON(ClientMessage{Type: "join", Name: "Alice"}); err != nil {
		t.Fatalf("write join: %v", err)
	}

	welcome := readWSMessage(t, conn)
	if welcome["type"] != "welcome" {
		t.Fatalf("expected welcome, got %v", welcome)
	}
	playerID, _ := welcome["playerId"].(string)
	if _, err := uuid.Parse(playerID); err != nil {
		t.Fatalf("welcome playerId %q is not a uuid: %v", playerID, err)
	}

	players := readWSMessage(t, conn)
	if players["type"] != "players" {
		t.Fatalf("expected players, got %v", players)
	}

	if err := conn.WriteJSON(ClientMessage{Type: "start"}); err != nil {
		t.Fatalf("write start: %v", err)
	}

	update := readWSMessage(t, conn)
	if update["type"] != "update" {
		t.Fatalf("expected update, got %v", update)
	}
	gs, ok := update["gameState"].(map[string]any)
	if !ok {
		t.Fatalf("expected gameState object, got %v", update)
	}
	if gs["phase"] != phaseShowing {
		t.Fatalf("expected showing phase, got %v", gs["phase"])
	}
	if _, ok := gs["currentItem"].(map[string]any); !ok {
		t.Fatalf("expected currentItem in update, got %v", gs)
	}
}

func readWSMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	return msg
}
