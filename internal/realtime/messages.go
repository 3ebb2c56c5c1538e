package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/ordertech/drivethru/backend/internal/basket"
	"github.com/ordertech/drivethru/backend/internal/session"
	"github.com/ordertech/drivethru/backend/internal/signaling"
)

// Frame types.
const (
	TypeSubscribe        = "subscribe"
	TypeHello            = "hello"
	TypeBasketUpdate     = "basket:update"
	TypeSelectCategory   = "ui:selectCategory"
	TypeRequestSync      = "basket:requestSync"
	TypeSelectProduct    = "ui:selectProduct"
	TypeClearSelection   = "ui:clearSelection"
	TypeBasketSync       = "basket:sync"
	TypeError            = "error"
	TypePeerStatus       = "peer:status"
	TypeSessionStarted   = "session:started"
	TypeSessionPaid      = "session:paid"
	TypeSessionEnded     = "session:ended"
	TypeRTCStopped       = signaling.EventStopped
	TypeRTCHeartbeat     = "rtc:heartbeat"
	TypeRTCStatus        = "rtc:status"
	TypeShowOptions      = "ui:showOptions"
	TypeOptionsUpdate    = "ui:optionsUpdate"
	TypeOptionsClose     = "ui:optionsClose"
	TypePosterQuery      = "poster:query"
	TypePosterStatus     = "poster:status"
	TypePosterStart      = "poster:start"
	TypePosterStop       = "poster:stop"
	peerStatusConnected  = "connected"
	peerStatusWaiting    = "waiting"
	rejectionInvalidJSON = "invalid_json"
)

var (
	ErrInvalidJSON = errors.New("realtime: invalid json")
	ErrMissingType = errors.New("realtime: missing type")
	ErrUnknownType = errors.New("realtime: unknown type")
	errNotAnObject = errors.New("realtime: frame is not a json object")
)

var (
	jsonObjectStart    = []byte("{")
	encodeFailureFrame = []byte(`{"type":"error","error":"encode_failed"}`)
)

// Message is the closed set of frames a client may send.
type Message interface {
	messageType() string
	basketID() string
}

type SubscribeMessage struct {
	BasketID string
}

type RequestSyncMessage struct {
	BasketID string
}

type HelloMessage struct {
	BasketID string
	Role     string
	Name     string
	DeviceID string
}

type BasketUpdateMessage struct {
	BasketID string
	Op       basket.Op
}

type SelectCategoryMessage struct {
	BasketID string
	Name     string
}

type SelectProductMessage struct {
	BasketID  string
	ProductID string
}

type ClearSelectionMessage struct {
	BasketID string
}

// RTCHeartbeatMessage is a screen's periodic report of its call media.
type RTCHeartbeatMessage struct {
	BasketID string
	Audio    session.MediaFlow
	Video    session.MediaFlow
}

// ShowOptionsMessage opens the product options sheet on both screens. The
// payloads are opaque to the server and relayed as sent.
type ShowOptionsMessage struct {
	BasketID  string
	Product   json.RawMessage
	Options   json.RawMessage
	Selection json.RawMessage
}

type OptionsUpdateMessage struct {
	BasketID  string
	Selection json.RawMessage
}

type OptionsCloseMessage struct {
	BasketID string
}

type PosterQueryMessage struct {
	BasketID string
}

type PosterStatusMessage struct {
	BasketID string
	Active   bool
}

func (m SubscribeMessage) messageType() string      { return TypeSubscribe }
func (m RequestSyncMessage) messageType() string    { return TypeRequestSync }
func (m HelloMessage) messageType() string          { return TypeHello }
func (m BasketUpdateMessage) messageType() string   { return TypeBasketUpdate }
func (m SelectCategoryMessage) messageType() string { return TypeSelectCategory }
func (m SelectProductMessage) messageType() string  { return TypeSelectProduct }
func (m ClearSelectionMessage) messageType() string { return TypeClearSelection }
func (m RTCHeartbeatMessage) messageType() string   { return TypeRTCHeartbeat }
func (m ShowOptionsMessage) messageType() string    { return TypeShowOptions }
func (m OptionsUpdateMessage) messageType() string  { return TypeOptionsUpdate }
func (m OptionsCloseMessage) messageType() string   { return TypeOptionsClose }
func (m PosterQueryMessage) messageType() string    { return TypePosterQuery }
func (m PosterStatusMessage) messageType() string   { return TypePosterStatus }

func (m SubscribeMessage) basketID() string      { return m.BasketID }
func (m RequestSyncMessage) basketID() string    { return m.BasketID }
func (m HelloMessage) basketID() string          { return m.BasketID }
func (m BasketUpdateMessage) basketID() string   { return m.BasketID }
func (m SelectCategoryMessage) basketID() string { return m.BasketID }
func (m SelectProductMessage) basketID() string  { return m.BasketID }
func (m ClearSelectionMessage) basketID() string { return m.BasketID }
func (m RTCHeartbeatMessage) basketID() string   { return m.BasketID }
func (m ShowOptionsMessage) basketID() string    { return m.BasketID }
func (m OptionsUpdateMessage) basketID() string  { return m.BasketID }
func (m OptionsCloseMessage) basketID() string   { return m.BasketID }
func (m PosterQueryMessage) basketID() string    { return m.BasketID }
func (m PosterStatusMessage) basketID() string   { return m.BasketID }

type inboundFrame struct {
	Type      *string          `json:"type"`
	BasketID  string           `json:"basketId"`
	Role      string           `json:"role"`
	Name      string           `json:"name"`
	DeviceID  string           `json:"device_id"`
	ProductID *json.RawMessage `json:"productId"`
	Op        *basket.Op       `json:"op"`
	Audio     *mediaFlowFrame  `json:"audio"`
	Video     *mediaFlowFrame  `json:"video"`
	Product   json.RawMessage  `json:"product"`
	Options   json.RawMessage  `json:"options"`
	Selection json.RawMessage  `json:"selection"`
	Active    interface{}      `json:"active"`
}

type mediaFlowFrame struct {
	In  interface{} `json:"in"`
	Out interface{} `json:"out"`
}

func (f *mediaFlowFrame) flow() session.MediaFlow {
	if f == nil {
		return session.MediaFlow{}
	}
	return session.MediaFlow{In: truthy(f.In), Out: truthy(f.Out)}
}

// Decode parses one client frame into its message variant.
func Decode(data []byte) (Message, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(data), jsonObjectStart) {
		return nil, errors.Join(ErrInvalidJSON, errNotAnObject)
	}
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errors.Join(ErrInvalidJSON, err)
	}
	if frame.Type == nil || strings.TrimSpace(*frame.Type) == "" {
		return nil, ErrMissingType
	}
	basketID := strings.TrimSpace(frame.BasketID)
	switch *frame.Type {
	case TypeSubscribe:
		return SubscribeMessage{BasketID: basketID}, nil
	case TypeRequestSync:
		return RequestSyncMessage{BasketID: basketID}, nil
	case TypeHello:
		return HelloMessage{
			BasketID: basketID,
			Role:     strings.ToLower(strings.TrimSpace(frame.Role)),
			Name:     strings.TrimSpace(frame.Name),
			DeviceID: strings.TrimSpace(frame.DeviceID),
		}, nil
	case TypeBasketUpdate:
		message := BasketUpdateMessage{BasketID: basketID}
		if frame.Op != nil {
			message.Op = *frame.Op
		}
		return message, nil
	case TypeSelectCategory:
		return SelectCategoryMessage{BasketID: basketID, Name: frame.Name}, nil
	case TypeSelectProduct:
		return SelectProductMessage{BasketID: basketID, ProductID: rawString(frame.ProductID)}, nil
	case TypeClearSelection:
		return ClearSelectionMessage{BasketID: basketID}, nil
	case TypeRTCHeartbeat:
		return RTCHeartbeatMessage{BasketID: basketID, Audio: frame.Audio.flow(), Video: frame.Video.flow()}, nil
	case TypeShowOptions:
		return ShowOptionsMessage{
			BasketID:  basketID,
			Product:   frame.Product,
			Options:   frame.Options,
			Selection: frame.Selection,
		}, nil
	case TypeOptionsUpdate:
		return OptionsUpdateMessage{BasketID: basketID, Selection: frame.Selection}, nil
	case TypeOptionsClose:
		return OptionsCloseMessage{BasketID: basketID}, nil
	case TypePosterQuery:
		return PosterQueryMessage{BasketID: basketID}, nil
	case TypePosterStatus:
		return PosterStatusMessage{BasketID: basketID, Active: truthy(frame.Active)}, nil
	default:
		return nil, ErrUnknownType
	}
}

// rawString accepts a JSON string or number and returns it as trimmed text.
func rawString(raw *json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var text string
	if err := json.Unmarshal(*raw, &text); err == nil {
		return strings.TrimSpace(text)
	}
	var number json.Number
	if err := json.Unmarshal(*raw, &number); err == nil {
		return number.String()
	}
	return ""
}

// truthy follows JavaScript truthiness for flags sent by browser clients.
func truthy(value interface{}) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case bool:
		return typed
	case float64:
		return typed != 0
	case string:
		return typed != ""
	default:
		return true
	}
}

// RejectionCode maps a decode error to the code sent to the client.
func RejectionCode(err error) string {
	switch {
	case errors.Is(err, ErrMissingType):
		return "missing_type"
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	default:
		return rejectionInvalidJSON
	}
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type basketSyncFrame struct {
	Type     string          `json:"type"`
	BasketID string          `json:"basketId"`
	Basket   basket.Snapshot `json:"basket"`
}

type basketUpdateFrame struct {
	Type     string          `json:"type"`
	BasketID string          `json:"basketId"`
	Op       basket.Op       `json:"op"`
	Basket   basket.Snapshot `json:"basket"`
	ServerTs int64           `json:"serverTs"`
}

type selectCategoryFrame struct {
	Type     string `json:"type"`
	BasketID string `json:"basketId"`
	Name     string `json:"name"`
	ServerTs int64  `json:"serverTs"`
}

type selectProductFrame struct {
	Type      string `json:"type"`
	BasketID  string `json:"basketId"`
	ProductID string `json:"productId"`
	ServerTs  int64  `json:"serverTs"`
}

type rtcStatusFrame struct {
	Type     string             `json:"type"`
	BasketID string             `json:"basketId"`
	Status   session.CallStatus `json:"status"`
	ServerTs int64              `json:"serverTs"`
}

type showOptionsFrame struct {
	Type      string          `json:"type"`
	BasketID  string          `json:"basketId"`
	Product   json.RawMessage `json:"product"`
	Options   json.RawMessage `json:"options"`
	Selection json.RawMessage `json:"selection"`
	ServerTs  int64           `json:"serverTs"`
}

type optionsUpdateFrame struct {
	Type      string          `json:"type"`
	BasketID  string          `json:"basketId"`
	Selection json.RawMessage `json:"selection"`
	ServerTs  int64           `json:"serverTs"`
}

type posterStatusFrame struct {
	Type     string `json:"type"`
	BasketID string `json:"basketId"`
	Active   bool   `json:"active"`
	ServerTs int64  `json:"serverTs"`
}

type peerStatusFrame struct {
	Type        string  `json:"type"`
	BasketID    string  `json:"basketId"`
	Status      string  `json:"status"`
	CashierName *string `json:"cashierName"`
	DisplayName *string `json:"displayName"`
	ServerTs    int64   `json:"serverTs"`
}

// EventFrame is a generic pairing notification such as session or
// signaling lifecycle hints.
type EventFrame struct {
	Type     string `json:"type"`
	BasketID string `json:"basketId"`
	OSN      string `json:"osn,omitempty"`
	Role     string `json:"role,omitempty"`
	Reason   string `json:"reason,omitempty"`
	ServerTs int64  `json:"serverTs"`
}

func encode(frame interface{}) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		return encodeFailureFrame
	}
	return data
}

func newPeerStatusFrame(state *session.State, serverTs int64) peerStatusFrame {
	cashierName, displayName := state.PeerNames()
	frame := peerStatusFrame{
		Type:     TypePeerStatus,
		BasketID: state.PairingID,
		Status:   peerStatusWaiting,
		ServerTs: serverTs,
	}
	if cashierName != "" {
		frame.CashierName = &cashierName
	}
	if displayName != "" {
		frame.DisplayName = &displayName
	}
	if cashierName != "" && displayName != "" {
		frame.Status = peerStatusConnected
	}
	return frame
}
