package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"chatsync/internal/chat"
	"chatsync/internal/store"
)

// Server is the chat backend: the request/response APIs the client core
// consumes, plus one live WebSocket channel per conversation.
type Server struct {
	store    *store.Store
	logger   *slog.Logger
	hub      *hub
	upgrader websocket.Upgrader
}

// New creates a server on top of the given store.
func New(st *store.Store, logger *slog.Logger) *Server {
	return &Server{
		store:  st,
		logger: logger,
		hub:    newHub(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler for all backend routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /new-user", s.handleNewUser)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /users", s.handleUsers)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /text", s.handleText)
	mux.HandleFunc("GET /texts", s.handleTexts)
	mux.HandleFunc("GET /ws/{chat_id}", s.handleWS)
	return mux
}

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Warn("failed to encode response", "error", err)
		}
	}
}

// writeDetail writes an error response in the backend's error shape.
func (s *Server) writeDetail(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) handleNewUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	req.Password = strings.TrimSpace(req.Password)
	req.Username = strings.TrimSpace(req.Username)
	if req.Email == "" || req.Password == "" || req.Username == "" {
		s.writeDetail(w, http.StatusUnprocessableEntity, "missing required fields")
		return
	}

	if err := s.store.CreateUser(req.Email, req.Password, req.Username); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			s.writeDetail(w, http.StatusConflict, "email already exists")
			return
		}
		s.logger.Error("failed to create user", "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	s.logger.Info("user created", "email", req.Email)
	s.writeJSON(w, http.StatusCreated, map[string]string{"message": "User Created Successfully"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, ok, err := s.store.AuthenticateUser(strings.TrimSpace(req.Email), strings.TrimSpace(req.Password))
	if err != nil {
		s.logger.Error("failed to authenticate user", "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "authentication failed")
		return
	}
	if !ok {
		s.writeDetail(w, http.StatusNotFound, "Invalid Username or Password!")
		return
	}

	s.logger.Info("user logged in", "user_id", id)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Log In Successful", "id": id})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	userID, err := queryInt(r, "user_id")
	if err != nil {
		s.writeDetail(w, http.StatusUnprocessableEntity, "invalid user_id")
		return
	}

	contacts, err := s.store.ListUsers(userID)
	if err != nil {
		s.logger.Error("failed to list users", "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if contacts == nil {
		contacts = []chat.Contact{}
	}

	s.writeJSON(w, http.StatusOK, contacts)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, err := queryInt(r, "id")
	if err != nil {
		s.writeDetail(w, http.StatusUnprocessableEntity, "invalid id")
		return
	}
	peerID, err := queryInt(r, "recipient")
	if err != nil {
		s.writeDetail(w, http.StatusUnprocessableEntity, "invalid recipient")
		return
	}

	chatID, err := s.store.CreateOrGetChat(userID, peerID)
	if err != nil {
		s.logger.Error("failed to resolve chat", "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "failed to resolve chat")
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]int64{"chat_id": chatID})
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	chatID, err := queryInt(r, "chat_id")
	if err != nil {
		s.writeDetail(w, http.StatusUnprocessableEntity, "invalid chat_id")
		return
	}
	sentBy, err := queryInt(r, "sent_by")
	if err != nil {
		s.writeDetail(w, http.StatusUnprocessableEntity, "invalid sent_by")
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.store.SaveText(chatID, sentBy, req.Text); err != nil {
		s.logger.Error("failed to save text", "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "failed to save text")
		return
	}

	s.writeJSON(w, http.StatusCreated, nil)
}

func (s *Server) handleTexts(w http.ResponseWriter, r *http.Request) {
	chatID, err := queryInt(r, "chat_id")
	if err != nil {
		s.writeDetail(w, http.StatusUnprocessableEntity, "invalid chat_id")
		return
	}

	texts, err := s.store.GetTexts(chatID)
	if err != nil {
		s.logger.Error("failed to load texts", "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "failed to load texts")
		return
	}
	if texts == nil {
		texts = []store.Text{}
	}

	s.writeJSON(w, http.StatusOK, texts)
}

// handleWS upgrades to a WebSocket scoped to one conversation and relays
// every received frame to all subscribers of that conversation.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(r.PathValue("chat_id"), 10, 64)
	if err != nil {
		s.writeDetail(w, http.StatusUnprocessableEntity, "invalid chat_id")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", "chat_id", chatID, "error", err)
		return
	}

	s.hub.add(chatID, conn)
	s.logger.Info("live channel joined", "chat_id", chatID)

	defer func() {
		s.hub.remove(chatID, conn)
		conn.Close()
		s.logger.Info("live channel left", "chat_id", chatID)
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.hub.broadcast(chatID, messageType, data)
	}
}

// queryInt parses a required integer query parameter.
func queryInt(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
}
