package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/macomeau/Artifacts-sub002/internal/model"
)

// ActionFunc handles one action request for a character and returns the
// HTTP status plus the response body. A nil body with a 2xx status gets a
// minimal success envelope built from the current character state.
type ActionFunc func(character *model.Character, body map[string]any) (int, any)

// GameServer is an in-memory stand-in for the game API. Handlers mutate the
// shared character state under the server's lock.
type GameServer struct {
	*httptest.Server

	mu         sync.Mutex
	characters map[string]*model.Character
	handlers   map[string]ActionFunc
	calls      []string
}

// NewGameServer starts a fake game API seeded with the given characters.
func NewGameServer(t *testing.T, characters ...model.Character) *GameServer {
	t.Helper()
	gs := &GameServer{
		characters: make(map[string]*model.Character, len(characters)),
		handlers:   make(map[string]ActionFunc),
	}
	for i := range characters {
		c := characters[i]
		gs.characters[c.Name] = &c
	}
	gs.Server = httptest.NewServer(http.HandlerFunc(gs.serve))
	t.Cleanup(gs.Server.Close)
	return gs
}

// Handle installs a handler for one action name ("move", "gather", ...).
func (gs *GameServer) Handle(action string, fn ActionFunc) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.handlers[action] = fn
}

// Calls returns the "action character" strings seen so far, in order.
func (gs *GameServer) Calls() []string {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return append([]string(nil), gs.calls...)
}

// Character returns a copy of the named character's current state.
func (gs *GameServer) Character(name string) model.Character {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if c, ok := gs.characters[name]; ok {
		return *c
	}
	return model.Character{}
}

// SetCharacter replaces the stored state for a character.
func (gs *GameServer) SetCharacter(c model.Character) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.characters[c.Name] = &c
}

func (gs *GameServer) serve(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "characters":
		gs.serveCharacter(w, parts[1])
	case r.Method == http.MethodPost && len(parts) >= 4 && parts[0] == "my" && parts[2] == "action":
		gs.serveAction(w, r, parts[1], strings.Join(parts[3:], "/"))
	default:
		writeEnvelope(w, http.StatusNotFound, map[string]any{"code": 404, "message": "Not found"})
	}
}

func (gs *GameServer) serveCharacter(w http.ResponseWriter, name string) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	c, ok := gs.characters[name]
	if !ok {
		writeEnvelope(w, http.StatusNotFound, map[string]any{"code": 404, "message": "Character not found"})
		return
	}
	writeData(w, http.StatusOK, *c)
}

func (gs *GameServer) serveAction(w http.ResponseWriter, r *http.Request, name, action string) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.calls = append(gs.calls, action+" "+name)

	c, ok := gs.characters[name]
	if !ok {
		writeEnvelope(w, http.StatusNotFound, map[string]any{"code": 404, "message": "Character not found"})
		return
	}
	fn := gs.handlers[action]
	if fn == nil {
		writeData(w, http.StatusOK, map[string]any{
			"character": *c,
			"cooldown":  map[string]any{"total_seconds": 0},
		})
		return
	}
	status, payload := fn(c, body)
	if status >= 400 {
		writeEnvelope(w, status, payload)
		return
	}
	if payload == nil {
		payload = map[string]any{
			"character": *c,
			"cooldown":  map[string]any{"total_seconds": 0},
		}
	}
	writeData(w, status, payload)
}

// GameError builds the error payload the real API wraps failures in.
func GameError(code int, message string) (int, any) {
	httpStatus := code
	if code > 599 || code < 400 {
		httpStatus = http.StatusBadRequest
	}
	return httpStatus, map[string]any{"code": code, "message": message}
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeEnvelope(w http.ResponseWriter, status int, errBody any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": errBody})
}
