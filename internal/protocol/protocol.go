// Package protocol defines the newline-delimited JSON wire format spoken by
// clients over TCP and WebSocket connections. It is a pure transform layer:
// framing, parsing and encoding only, no I/O.
package protocol

import "encoding/json"

// Command names accepted from clients.
const (
	CmdRegister          = "register"
	CmdLogin             = "login"
	CmdLogout            = "logout"
	CmdResumeSession     = "resumeSession"
	CmdFetchProfile      = "fetchProfile"
	CmdUpdateProfile     = "updateProfile"
	CmdSubmitRideRequest = "submitRideRequest"
	CmdCancelRide        = "cancelRide"
	CmdAcceptRide        = "acceptRide"
	CmdDeclineRide       = "declineRide"
	CmdCompleteTrip      = "completeTrip"
	CmdRateTrip          = "rateTrip"
	CmdListDrivers       = "listDrivers"
	CmdListTrips         = "listTrips"
	CmdSetAvailability   = "setAvailability"
	CmdSetLocation       = "setLocation"
	CmdSendChat          = "sendChat"
	CmdFetchChat         = "fetchChat"
	CmdListChats         = "listChats"
	CmdPing              = "ping"
)

// Push type discriminators for server-initiated messages.
const (
	PushRideOffer      = "ride_offer"
	PushDriverAssigned = "driver_assigned"
	PushRideCancelled  = "ride_cancelled"
	PushRequestExpired = "request_expired"
	PushTripCompleted  = "trip_completed"
	PushChatMessage    = "chat_message"
	PushDriverStatus   = "driver_status"
)

// Error kinds carried in error responses.
const (
	KindMalformedMessage       = "MALFORMED_MESSAGE"
	KindUnknownCommand         = "UNKNOWN_COMMAND"
	KindUnauthorized           = "UNAUTHORIZED"
	KindInvalidCredentials     = "INVALID_CREDENTIALS"
	KindDuplicateActiveRequest = "DUPLICATE_ACTIVE_REQUEST"
	KindStaleMatch             = "STALE_MATCH"
	KindNotAParticipant        = "NOT_A_PARTICIPANT"
	KindNotFound               = "NOT_FOUND"
	KindInvalidInput           = "INVALID_INPUT"
	KindInternalError          = "INTERNAL_ERROR"
)

const (
	StatusOk    = "ok"
	StatusError = "error"
)

// Request is a single client command.
type Request struct {
	Command       string          `json:"command"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Response answers exactly one Request, matched by correlation id.
type Response struct {
	CorrelationID string          `json:"correlation_id"`
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Push is a server-initiated message. CorrelationID is always encoded as
// null so clients can distinguish pushes from responses.
type Push struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// pushWire adds the explicit null correlation_id field.
type pushWire struct {
	CorrelationID *string         `json:"correlation_id"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Ok builds a success response, marshalling result into the wire payload.
func Ok(correlationID string, result any) (Response, error) {
	resp := Response{
		CorrelationID: correlationID,
		Status:        StatusOk,
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return Response{}, err
		}
		resp.Result = raw
	}
	return resp, nil
}

// Fail builds an error response.
func Fail(correlationID, kind, msg string) Response {
	return Response{
		CorrelationID: correlationID,
		Status:        StatusError,
		ErrorKind:     kind,
		Error:         msg,
	}
}

// NewPush builds a push, marshalling data into the wire payload.
func NewPush(pushType string, data any) (Push, error) {
	p := Push{Type: pushType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Push{}, err
		}
		p.Data = raw
	}
	return p, nil
}
