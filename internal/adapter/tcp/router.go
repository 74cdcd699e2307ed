package tcp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aubus-app/aubus-server/internal/domain/models"
	"github.com/aubus-app/aubus-server/internal/domain/types"
	"github.com/aubus-app/aubus-server/internal/protocol"
	"github.com/aubus-app/aubus-server/internal/service/auth"
	"github.com/aubus-app/aubus-server/internal/service/chat"
	"github.com/aubus-app/aubus-server/internal/service/matching"
	"github.com/aubus-app/aubus-server/internal/session"
	"github.com/aubus-app/aubus-server/pkg/logger"
	wrap "github.com/aubus-app/aubus-server/pkg/logger/wrapper"
	"github.com/aubus-app/aubus-server/pkg/metrics"
)

// Router maps decoded requests to service calls. It is transport-agnostic
// and shared by the TCP and WebSocket listeners.
type Router struct {
	auth     *auth.Service
	engine   *matching.Engine
	chat     *chat.Relay
	sessions *session.Manager
	log      logger.Logger
}

func NewRouter(authSvc *auth.Service, engine *matching.Engine, chatRelay *chat.Relay, sessions *session.Manager, log logger.Logger) *Router {
	return &Router{
		auth:     authSvc,
		engine:   engine,
		chat:     chatRelay,
		sessions: sessions,
		log:      log,
	}
}

// Handle executes one request and returns the response plus whether the
// connection must be closed afterwards (malformed input only).
func (r *Router) Handle(ctx context.Context, conn session.Conn, req protocol.Request) (resp protocol.Response, closeConn bool) {
	start := time.Now()
	ctx = wrap.WithConnID(ctx, conn.ID())

	defer func() {
		if p := recover(); p != nil {
			r.log.Error(ctx, "panic while handling request", errors.New("panic"),
				"command", req.Command, "panic", p)
			resp = protocol.Fail(req.CorrelationID, protocol.KindInternalError, "internal error")
			closeConn = false
		}
		metrics.RecordRequest(req.Command, resp.Status, time.Since(start).Seconds())
	}()

	sess, authed := r.sessions.Lookup(conn.ID())
	if authed {
		ctx = wrap.WithUserID(ctx, sess.UserID.String())
	}

	switch req.Command {
	case protocol.CmdPing:
		return r.ok(req, map[string]string{"message": "pong"}), false
	case protocol.CmdRegister:
		return r.register(ctx, req), false
	case protocol.CmdLogin:
		return r.login(ctx, conn, req)
	case protocol.CmdResumeSession:
		return r.resumeSession(ctx, conn, req)
	}

	if !authed {
		return protocol.Fail(req.CorrelationID, protocol.KindUnauthorized, "authentication required"), false
	}

	switch req.Command {
	case protocol.CmdLogout:
		return r.logout(ctx, conn, sess, req), false
	case protocol.CmdFetchProfile:
		return r.fetchProfile(ctx, sess, req), false
	case protocol.CmdUpdateProfile:
		return r.updateProfile(ctx, sess, req)
	case protocol.CmdSubmitRideRequest:
		return r.submitRideRequest(ctx, sess, req)
	case protocol.CmdCancelRide:
		return r.cancelRide(ctx, sess, req)
	case protocol.CmdAcceptRide:
		return r.acceptRide(ctx, sess, req)
	case protocol.CmdDeclineRide:
		return r.declineRide(ctx, sess, req)
	case protocol.CmdCompleteTrip:
		return r.completeTrip(ctx, sess, req)
	case protocol.CmdRateTrip:
		return r.rateTrip(ctx, sess, req)
	case protocol.CmdListDrivers:
		return r.listDrivers(ctx, sess, req)
	case protocol.CmdListTrips:
		return r.listTrips(ctx, sess, req)
	case protocol.CmdSetAvailability:
		return r.setAvailability(ctx, sess, req)
	case protocol.CmdSetLocation:
		return r.setLocation(ctx, sess, req)
	case protocol.CmdSendChat:
		return r.sendChat(ctx, sess, req)
	case protocol.CmdFetchChat:
		return r.fetchChat(ctx, sess, req)
	case protocol.CmdListChats:
		return r.listChats(ctx, sess, req), false
	default:
		return protocol.Fail(req.CorrelationID, protocol.KindUnknownCommand, "unknown command: "+req.Command), false
	}
}

/* ======================= auth ======================= */

type registerPayload struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (r *Router) register(ctx context.Context, req protocol.Request) protocol.Response {
	var p registerPayload
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return r.fail(ctx, req, err)
	}

	user, err := r.auth.Register(ctx, models.UserCreate{
		Email:    p.Email,
		Name:     p.Name,
		Phone:    p.Phone,
		Password: p.Password,
		Role:     types.UserRole(p.Role),
	})
	if err != nil {
		return r.fail(ctx, req, err)
	}
	return r.ok(req, user)
}

type loginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResult struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

func (r *Router) login(ctx context.Context, conn session.Conn, req protocol.Request) (protocol.Response, bool) {
	var p loginPayload
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return r.fail(ctx, req, err), true
	}

	sess, user, err := r.auth.Login(ctx, p.Email, p.Password)
	if err != nil {
		return r.fail(ctx, req, err), false
	}

	r.bind(ctx, conn, sess, user)
	return r.ok(req, sessionResult{Token: sess.Token, ExpiresAt: sess.ExpiresAt, User: user}), false
}

type resumePayload struct {
	Token string `json:"token"`
}

func (r *Router) resumeSession(ctx context.Context, conn session.Conn, req protocol.Request) (protocol.Response, bool) {
	var p resumePayload
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return r.fail(ctx, req, err), true
	}

	sess, user, err := r.auth.ResumeSession(ctx, p.Token)
	if err != nil {
		return r.fail(ctx, req, err), false
	}

	r.bind(ctx, conn, sess, user)
	return r.ok(req, sessionResult{Token: sess.Token, ExpiresAt: sess.ExpiresAt, User: user}), false
}

// bind attaches the session to the connection and, for drivers, refreshes
// the engine's live driver table.
func (r *Router) bind(ctx context.Context, conn session.Conn, sess *models.Session, user *models.User) {
	r.sessions.Bind(ctx, conn, sess)
	if user.Role == types.RoleDriver {
		if err := r.engine.UpsertDriver(ctx, user); err != nil {
			r.log.Warn(ctx, "failed to register driver in matching engine", "error", err.Error())
		}
	}
}

func (r *Router) logout(ctx context.Context, conn session.Conn, sess *models.Session, req protocol.Request) protocol.Response {
	if _, ok := r.sessions.Unbind(conn.ID()); ok {
		r.engine.HandleDisconnect(ctx, sess.UserID)
	}
	return r.ok(req, map[string]bool{"logged_out": true})
}

func (r *Router) fetchProfile(ctx context.Context, sess *models.Session, req protocol.Request) protocol.Response {
	user, err := r.auth.FetchProfile(ctx, sess.UserID)
	if err != nil {
		return r.fail(ctx, req, err)
	}
	return r.ok(req, user)
}

type updateProfilePayload struct {
	Name  *string `json:"name,omitempty"`
	Phone *string `json:"phone,omitempty"`
}

func (r *Router) updateProfile(ctx context.Context, sess *models.Session, req protocol.Request) (protocol.Response, bool) {
	var p updateProfilePayload
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return r.fail(ctx, req, err), true
	}

	user, err := r.auth.UpdateProfile(ctx, sess.UserID, models.ProfileUpdate{Name: p.Name, Phone: p.Phone})
	if err != nil {
		return r.fail(ctx, req, err), false
	}
	return r.ok(req, user), false
}

/* ======================= rides ======================= */

type submitRidePayload struct {
	Pickup      models.Location `json:"pickup"`
	Destination models.Location `json:"destination"`
}

func (r *Router) submitRideRequest(ctx context.Context, sess *models.Session, req protocol.Request) (protocol.Response, bool) {
	var p submitRidePayload
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return r.fail(ctx, req, err), true
	}

	ride, err := r.engine.Submit(ctx, sess.UserID, p.Pickup, p.Destination, req.CorrelationID)
	if err != nil {
		return r.fail(ctx, req, err), false
	}
	return r.ok(req, ride), false
}

type requestRefPayload struct {
	RequestID uuid.UUID `json:"request_id"`
}

func (r *Router) cancelRide(ctx context.Context, sess *models.Session, req protocol.Request) (protocol.Response, bool) {
	var p requestRefPayload
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return r.fail(ctx, req, err), true
	}

	if err := r.engine.Cancel(ctx, sess.UserID, p.RequestID); err != nil {
		return r.fail(ctx, req, err), false
	}
	return r.ok(req, map[string]bool{"cancelled": true}), false
}

func (r *Router) acceptRide(ctx context.Context, sess *models.Session, req protocol.Request) (protocol.Response, bool) {
	var p requestRefPayload
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return r.fail(ctx, req, err), true
	}

	trip, err := r.engine.Accept(ctx, sess.UserID, p.RequestID)
	if err != nil {
		return r.fail(ctx, req, err), false
	}
	return r.ok(req, trip), false
}

func (r *Router) declineRide(ctx context.Context, sess *models.Session, req protocol.Request) (protocol.Response, bool) {
	var p requestRefPayload
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return r.fail(ctx, req, err), true
	}

	if err := r.engine.Decline(ctx, sess.UserID, p.RequestID); err != nil {
		return r.fail(ctx, req, err), false
	}
	return r.ok(req, map[string]bool{"declined": true}), false
}

type tripRefPayload struct {
	TripID uuid.UUID `json:"trip_id"`
}

func (r *Router) completeTrip(ctx context.Context, sess *models.Session, req protocol.Request) (protocol.Response, bool) {
	var p tripRefPayload
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return r.fail(ctx, req, err), true
	}

	trip, err := r.engine.Complete(ctx, sess.UserID, p.TripID)
	if err != nil {
		return r.fail(ctx, req, err), false
	}
	return r.ok(req, trip), false
}

type rateTripPayload struct {
	TripID  uuid.UUID `json:"trip_id"`
	Rating  float64   `json:"rating"`
	Comment string    `json:"comment,omitempty"`
}

func (r *Router) rateTrip(ctx context.Context, sess *models.Session, req protocol.Request) (protocol.Response, bool) {
	var p rateTripPayload
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return r.fail(ctx, req, err), true
	}

	if err := r.engine.Rate(ctx, sess.UserID, p.TripID, p.Rating, p.Comment); err != nil {
		return r.fail(ctx, req, err), false
	}
	return r.ok(req, map[string]bool{"rated": true}), false
}

type listDriversPayload struct {
	MinRating float64          `json:"min_rating,omitempty"`
	Origin    *models.Location `json:"origin,omitempty"`
	Limit     int              `json:"limit,omitempty"`
}

func (r *Router) listDrivers(ctx context.Context, sess *models.Session, req protocol.Request) (protocol.Response, bool) {
	p := listDriversPayload{}
	if len(req.Payload) > 0 {
		if err := protocol.DecodePayload(req.Payload, &p); err != nil {
			return r.fail(ctx, req, err), true
		}
	}

	drivers := r.engine.ListDrivers(ctx, models.DriverFilter{
		MinRating: p.MinRating,
		Origin:    p.Origin,
		Limit:     p.Limit,
	})
	return r.ok(req, map[string]any{"drivers": drivers}), false
}

type listTripsPayload struct {
	Status string     `json:"status,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

func (r *Router) listTrips(ctx context.Context, sess *models.Session, req protocol.Request) (protocol.Response, bool) {
	p := listTripsPayload{}
	if len(req.Payload) > 0 {
		if err := protocol.DecodePayload(req.Payload, &p); err != nil {
			return r.fail(ctx, req, err), true
		}
	}

	trips, err := r.engine.ListTrips(ctx, sess.UserID, models.TripFilter{
		Status: types.TripStatus(p.Status),
		Since:  p.Since,
		Limit:  p.Limit,
	})
	if err != nil {
		return r.fail(ctx, req, err), false
	}
	return r.ok(req, map[string]any{"trips": trips}), false
}

type setAvailabilityPayload struct {
	Available bool `json:"available"`
}

func (r *Router) setAvailability(ctx context.Context, sess *models.Session, req protocol.Request) (protocol.Response, bool) {
	var p setAvailabilityPayload
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return r.fail(ctx, req, err), true
	}

	if err := r.engine.SetAvailability(ctx, sess.UserID, p.Available); err != nil {
		return r.fail(ctx, req, err), false
	}
	return r.ok(req, map[string]bool{"available": p.Available}), false
}

func (r *Router) setLocation(ctx context.Context, sess *models.Session, req protocol.Request) (protocol.Response, bool) {
	var p models.Location
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return r.fail(ctx, req, err), true
	}

	if err := r.engine.SetLocation(ctx, sess.UserID, p); err != nil {
		return r.fail(ctx, req, err), false
	}
	return r.ok(req, map[string]bool{"updated": true}), false
}

/* ======================= chat ======================= */

type sendChatPayload struct {
	ConversationKey uuid.UUID `json:"conversation_key"`
	Body            string    `json:"body"`
}

func (r *Router) sendChat(ctx context.Context, sess *models.Session, req protocol.Request) (protocol.Response, bool) {
	var p sendChatPayload
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return r.fail(ctx, req, err), true
	}

	msg, err := r.chat.Send(ctx, sess.UserID, p.ConversationKey, p.Body)
	if err != nil {
		return r.fail(ctx, req, err), false
	}
	return r.ok(req, msg), false
}

type fetchChatPayload struct {
	ConversationKey uuid.UUID `json:"conversation_key"`
	AfterID         int64     `json:"after_id,omitempty"`
	Limit           int       `json:"limit,omitempty"`
}

func (r *Router) fetchChat(ctx context.Context, sess *models.Session, req protocol.Request) (protocol.Response, bool) {
	var p fetchChatPayload
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return r.fail(ctx, req, err), true
	}

	msgs, err := r.chat.Fetch(ctx, sess.UserID, p.ConversationKey, p.AfterID, p.Limit)
	if err != nil {
		return r.fail(ctx, req, err), false
	}
	return r.ok(req, map[string]any{"messages": msgs}), false
}

func (r *Router) listChats(ctx context.Context, sess *models.Session, req protocol.Request) protocol.Response {
	heads, err := r.chat.ListChats(ctx, sess.UserID)
	if err != nil {
		return r.fail(ctx, req, err)
	}
	return r.ok(req, map[string]any{"conversations": heads})
}

/* ======================= helpers ======================= */

func (r *Router) ok(req protocol.Request, result any) protocol.Response {
	resp, err := protocol.Ok(req.CorrelationID, result)
	if err != nil {
		return protocol.Fail(req.CorrelationID, protocol.KindInternalError, "failed to encode result")
	}
	return resp
}

func (r *Router) fail(ctx context.Context, req protocol.Request, err error) protocol.Response {
	kind, msg := classify(err)
	if kind == protocol.KindInternalError {
		r.log.Error(ctx, "request failed", err, "command", req.Command)
		msg = "internal error"
	}
	return protocol.Fail(req.CorrelationID, kind, msg)
}

// classify maps service errors to wire error kinds. Internal details never
// leak to clients.
func classify(err error) (kind, msg string) {
	switch {
	case errors.Is(err, protocol.ErrMalformedMessage):
		return protocol.KindMalformedMessage, err.Error()
	case errors.Is(err, types.ErrInvalidCredentials), errors.Is(err, types.ErrInvalidToken):
		return protocol.KindInvalidCredentials, "invalid credentials"
	case errors.Is(err, types.ErrUnauthorized), errors.Is(err, types.ErrNotADriver):
		return protocol.KindUnauthorized, err.Error()
	case errors.Is(err, types.ErrDuplicateActiveRequest):
		return protocol.KindDuplicateActiveRequest, err.Error()
	case errors.Is(err, types.ErrStaleMatch):
		return protocol.KindStaleMatch, err.Error()
	case errors.Is(err, types.ErrNotAParticipant):
		return protocol.KindNotAParticipant, err.Error()
	case errors.Is(err, types.ErrUserNotFound),
		errors.Is(err, types.ErrRequestNotFound),
		errors.Is(err, types.ErrTripNotFound),
		errors.Is(err, types.ErrConversationNotFound),
		errors.Is(err, types.ErrNotFound):
		return protocol.KindNotFound, err.Error()
	case errors.Is(err, types.ErrInvalidInput),
		errors.Is(err, types.ErrEmailTaken),
		errors.Is(err, types.ErrAlreadyRated),
		errors.Is(err, types.ErrTripNotActive):
		return protocol.KindInvalidInput, err.Error()
	default:
		return protocol.KindInternalError, "internal error"
	}
}
