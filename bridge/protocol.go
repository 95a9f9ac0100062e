package bridge

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/c360/termstream/errors"
)

// Command subjects, relative to <prefix>.cmd.
const (
	CmdAddPublication     = "add_publication"
	CmdRemovePublication  = "remove_publication"
	CmdAddSubscription    = "add_subscription"
	CmdRemoveSubscription = "remove_subscription"
	CmdKeepalive          = "keepalive"
	CmdOffer              = "offer"
)

// Subject builders for a bridge prefix.
func commandSubject(prefix, cmd string) string { return prefix + ".cmd." + cmd }

func eventSubject(prefix, eventType string) string { return prefix + ".events." + eventType }

// DataSubject is where messages received by a bridged subscription are published.
func DataSubject(prefix string, streamID int32, registrationID int64) string {
	return prefix + ".data." + strconv.FormatInt(int64(streamID), 10) + "." + strconv.FormatInt(registrationID, 10)
}

// Request is the JSON body of every command. Fields a command does not use are
// ignored.
type Request struct {
	ClientID       uuid.UUID `json:"client_id"`
	Channel        string    `json:"channel,omitempty"`
	StreamID       int32     `json:"stream_id,omitempty"`
	SessionID      int32     `json:"session_id,omitempty"`
	RegistrationID int64     `json:"registration_id,omitempty"`
	Payload        []byte    `json:"payload,omitempty"`
}

// Response answers a command. Error is empty on success; ErrorClass tells the caller
// whether a retry can help.
type Response struct {
	RegistrationID int64  `json:"registration_id,omitempty"`
	SessionID      int32  `json:"session_id,omitempty"`
	StreamID       int32  `json:"stream_id,omitempty"`
	Position       int64  `json:"position,omitempty"`
	Error          string `json:"error,omitempty"`
	ErrorClass     string `json:"error_class,omitempty"`
}

func errorResponse(err error) Response {
	return Response{Error: err.Error(), ErrorClass: errors.Classify(err).String()}
}
