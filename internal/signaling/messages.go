package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/presence"
)

type MessageType string

const (
	MessageTypeConnected             MessageType = "connected"
	MessageTypeJoinRoom              MessageType = "join-room"
	MessageTypeAllUsers              MessageType = "all-users"
	MessageTypeUserConnected         MessageType = "user-connected"
	MessageTypeSessionOffer          MessageType = "session-offer"
	MessageTypeSessionAnswer         MessageType = "session-answer"
	MessageTypeConnectivityCandidate MessageType = "connectivity-candidate"
	MessageTypeLeaveRoom             MessageType = "leave-room"
	MessageTypeUserDisconnected      MessageType = "user-disconnected"
	MessageTypeJoinError             MessageType = "join-error"
	MessageTypeServerShutdown        MessageType = "server-shutdown"
	MessageTypeError                 MessageType = "error"
)

// clientMessage is one decoded client->server frame.
type clientMessage interface {
	messageType() MessageType
}

// relayMessage is a clientMessage addressed to another connection.
type relayMessage interface {
	clientMessage
	target() string
}

type joinRoom struct {
	Type        MessageType `json:"type"`
	Room        string      `json:"room"`
	DisplayName string      `json:"displayName"`
}

type leaveRoom struct {
	Type MessageType `json:"type"`
	// Room is informational; a connection is only ever in one room.
	Room string `json:"room,omitempty"`
}

type sessionOffer struct {
	Type        MessageType     `json:"type"`
	To          string          `json:"to" validate:"required"`
	From        string          `json:"from" validate:"required"`
	DisplayName string          `json:"displayName" validate:"required"`
	Payload     json.RawMessage `json:"payload" validate:"payload"`
}

type sessionAnswer struct {
	Type    MessageType     `json:"type"`
	To      string          `json:"to" validate:"required"`
	From    string          `json:"from" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"payload"`
}

// connectivityCandidate carries an optional from; the forwarded frame always
// names the actual sender.
type connectivityCandidate struct {
	Type    MessageType     `json:"type"`
	To      string          `json:"to" validate:"required"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload" validate:"payload"`
}

func (*joinRoom) messageType() MessageType              { return MessageTypeJoinRoom }
func (*leaveRoom) messageType() MessageType             { return MessageTypeLeaveRoom }
func (*sessionOffer) messageType() MessageType          { return MessageTypeSessionOffer }
func (*sessionAnswer) messageType() MessageType         { return MessageTypeSessionAnswer }
func (*connectivityCandidate) messageType() MessageType { return MessageTypeConnectivityCandidate }

func (m *sessionOffer) target() string          { return m.To }
func (m *sessionAnswer) target() string         { return m.To }
func (m *connectivityCandidate) target() string { return m.To }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("payload", validPayload); err != nil {
		panic(err)
	}
	return v
}

// validPayload rejects payloads a browser client would treat as "nothing":
// absent, null, false, the empty string and numeric zero. Any other JSON value,
// including an empty object, is relayed.
func validPayload(fl validator.FieldLevel) bool {
	raw, ok := fl.Field().Interface().(json.RawMessage)
	if !ok {
		return false
	}
	return !isEmptyPayload(raw)
}

func isEmptyPayload(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	switch string(v) {
	case "", "null", "false", `""`:
		return true
	}
	if c := v[0]; c == '-' || (c >= '0' && c <= '9') {
		f, err := strconv.ParseFloat(string(v), 64)
		return err == nil && f == 0
	}
	return false
}

// validateRelay checks the required fields of a relay message and reports the
// missing ones by their wire names.
func validateRelay(msg relayMessage) error {
	err := validate.Struct(msg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string { return fe.Field() })
		return fmt.Errorf("%w: %s missing %s", ErrInvalidRequest, msg.messageType(), strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
}

// parseClientMessage decodes one client frame. Trailing data is always
// rejected. Unknown fields are rejected on join-room and leave-room; relay
// kinds ignore them, since browser clients attach their own bookkeeping to
// offers, answers and candidates. The message type is returned even when the
// body fails to decode so join failures can still be answered.
func parseClientMessage(data []byte) (MessageType, clientMessage, error) {
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var (
		msg    clientMessage
		strict bool
	)
	switch envelope.Type {
	case MessageTypeJoinRoom:
		msg, strict = &joinRoom{}, true
	case MessageTypeLeaveRoom:
		msg, strict = &leaveRoom{}, true
	case MessageTypeSessionOffer:
		msg = &sessionOffer{}
	case MessageTypeSessionAnswer:
		msg = &sessionAnswer{}
	case MessageTypeConnectivityCandidate:
		msg = &connectivityCandidate{}
	case "":
		return "", nil, fmt.Errorf("%w: missing message type", ErrInvalidRequest)
	default:
		return envelope.Type, nil, fmt.Errorf("%w: unsupported message type %q", ErrInvalidRequest, envelope.Type)
	}

	if err := decodeJSON(data, msg, strict); err != nil {
		return envelope.Type, nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, envelope.Type, err)
	}
	return envelope.Type, msg, nil
}

func decodeJSON(data []byte, v any, disallowUnknown bool) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if disallowUnknown {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

// Server->client frames.

type userInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	JoinedAt    string `json:"joinedAt"`
}

type connectedMessage struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

type allUsersMessage struct {
	Type  MessageType `json:"type"`
	Users []userInfo  `json:"users"`
}

type userConnectedMessage struct {
	Type MessageType `json:"type"`
	userInfo
}

type userDisconnectedMessage struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

type offerForward struct {
	Type        MessageType     `json:"type"`
	From        string          `json:"from"`
	DisplayName string          `json:"displayName"`
	Payload     json.RawMessage `json:"payload"`
}

type answerForward struct {
	Type    MessageType     `json:"type"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

type candidateForward struct {
	Type    MessageType     `json:"type"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

type textMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type errorMessage struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// joinedAtLayout matches JavaScript's Date.prototype.toISOString.
const joinedAtLayout = "2006-01-02T15:04:05.000Z07:00"

func formatJoinedAt(t time.Time) string {
	return t.UTC().Format(joinedAtLayout)
}

func toUserInfo(m presence.Member) userInfo {
	return userInfo{ID: m.ID, DisplayName: m.DisplayName, JoinedAt: formatJoinedAt(m.JoinedAt)}
}

// encodeFrame marshals a server frame. HTML escaping is off so relayed
// payloads keep their characters; json still compacts insignificant whitespace.
func encodeFrame(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		// Only reachable with an invalid json.RawMessage payload, which decode
		// has already rejected.
		panic(fmt.Sprintf("signaling: encode %T: %v", v, err))
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

func connectedFrame(id string) []byte {
	return encodeFrame(connectedMessage{Type: MessageTypeConnected, ID: id})
}

func allUsersFrame(existing []presence.Member) []byte {
	return encodeFrame(allUsersMessage{Type: MessageTypeAllUsers, Users: lo.Map(existing, func(m presence.Member, _ int) userInfo {
		return toUserInfo(m)
	})})
}

func userConnectedFrame(m presence.Member) []byte {
	return encodeFrame(userConnectedMessage{Type: MessageTypeUserConnected, userInfo: toUserInfo(m)})
}

func userDisconnectedFrame(id string) []byte {
	return encodeFrame(userDisconnectedMessage{Type: MessageTypeUserDisconnected, ID: id})
}

func joinErrorFrame(message string) []byte {
	return encodeFrame(textMessage{Type: MessageTypeJoinError, Message: message})
}

func serverShutdownFrame(message string) []byte {
	return encodeFrame(textMessage{Type: MessageTypeServerShutdown, Message: message})
}

func errorFrame(code, message string) []byte {
	return encodeFrame(errorMessage{Type: MessageTypeError, Code: code, Message: message})
}
