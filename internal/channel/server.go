// Package channel hosts the persistent client channel: a websocket carrying
// JSON request/response operations bound to a per-connection identity.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsdeck/opsdeck/internal/auth/logincode"
	"github.com/opsdeck/opsdeck/internal/auth/role"
	"github.com/opsdeck/opsdeck/internal/auth/token"
	apperrors "github.com/opsdeck/opsdeck/internal/platform/errors"
	"github.com/opsdeck/opsdeck/internal/settings"
	"github.com/opsdeck/opsdeck/internal/storage/sqlite"
)

// session is the state of one connection. Operations run sequentially on the
// connection's read loop, so no lock is needed.
type session struct {
	identity role.Identity
}

// Server dispatches channel operations against storage and settings.
type Server struct {
	store    *sqlite.Store
	settings *settings.Service
	bridge   *logincode.Bridge
	tokens   token.Config
	upgrader websocket.Upgrader
	clock    func() time.Time
}

// NewServer builds the channel server.
func NewServer(store *sqlite.Store, svc *settings.Service, bridge *logincode.Bridge, tokens token.Config) *Server {
	return &Server{
		store:    store,
		settings: svc,
		bridge:   bridge,
		tokens:   tokens,
		clock:    time.Now,
	}
}

// RegisterRoutes registers the channel endpoint on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sess := &session{}
	ctx := r.Context()
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			if err := conn.WriteJSON(errResponse("", "only text messages are supported")); err != nil {
				return
			}
			continue
		}
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			if err := conn.WriteJSON(errResponse("", "invalid message format")); err != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(s.dispatch(ctx, sess, req)); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session, req Request) Response {
	var (
		data any
		err  error
	)
	switch req.Op {
	case "loginByOidcCode":
		data, err = s.opLoginByOidcCode(ctx, sess, req.Data)
	case "login":
		data, err = s.opLogin(ctx, sess, req.Data)
	case "getOidcSettings":
		data, err = s.opGetOidcSettings(ctx, sess)
	case "saveOidcSettings":
		data, err = s.opSaveOidcSettings(ctx, sess, req.Data)
	case "getUsers":
		data, err = s.opGetUsers(ctx, sess)
	case "setUserRole":
		data, err = s.opSetUserRole(ctx, sess, req.Data)
	case "deleteUser":
		data, err = s.opDeleteUser(ctx, sess, req.Data)
	default:
		err = apperrors.New(apperrors.CodeValidation, "unknown operation")
	}
	if err != nil {
		slog.Warn("channel operation failed", "op", req.Op, "user_id", sess.identity.UserID, "err", err)
		return errResponse(req.ID, publicMessage(err))
	}
	return okResponse(req.ID, data)
}

// publicMessage maps an operation error to the message sent to the client.
// Internal failures never leak their cause.
func publicMessage(err error) string {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		return "internal error"
	}
	switch appErr.Code {
	case apperrors.CodeInternal, apperrors.CodeUnknown:
		return "internal error"
	default:
		return appErr.Message
	}
}
