package signal

import (
	"encoding/json"
	"fmt"

	mediasoup "github.com/jiyeyuran/mediasoup-go"
	"github.com/pion/webrtc/v4"

	"github.com/onlylang/mediaserver/internal/media/registry"
)

// Inbound message types.
const (
	msgGetRouterRtpCapabilities = "get_router_rtp_capabilities"
	msgGetTransport             = "get_transport"
	msgConnectTransport         = "connect_transport"
	msgProduce                  = "produce"
	msgConsume                  = "consume"
	msgLeave                    = "leave"
)

// Outbound message types.
const (
	msgWelcome               = "welcome"
	msgRouterRtpCapabilities = "router_rtp_capabilities"
	msgTransportCreated      = "transport_created"
	msgTransportConnected    = "transport_connected"
	msgProduced              = "produced"
	msgConsumed              = "consumed"
	msgNewProducer           = "new_producer"
	msgViewerJoined          = "viewer_joined"
	msgViewerLeft            = "viewer_left"
	msgError                 = "error"
)

// Error codes carried in error frames.
const (
	codeValidation        = "VALIDATION"
	codeNotFound          = "NOT_FOUND"
	codeRoleMismatch      = "ROLE_MISMATCH"
	codeStateError        = "STATE_ERROR"
	codeTransportNotReady = "TRANSPORT_NOT_READY"
	codeAlreadyConsuming  = "ALREADY_CONSUMING"
	codeMediaWorker       = "MEDIA_WORKER"
)

// frame is the wire shape of every message in both directions.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// outFrame is an outbound message before encoding.
type outFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// clientMessage is the closed set of decoded inbound messages.
type clientMessage interface{ isClientMessage() }

type getRouterRtpCapabilities struct{}

type getTransport struct {
	Direction registry.Direction
}

type connectTransport struct {
	Direction      registry.Direction
	DtlsParameters mediasoup.DtlsParameters
}

type produce struct {
	Kind          mediasoup.MediaKind
	RtpParameters mediasoup.RtpParameters
	AppData       mediasoup.H
}

type consume struct {
	ProducerID      string
	RtpCapabilities mediasoup.RtpCapabilities
}

type leave struct{}

func (getRouterRtpCapabilities) isClientMessage() {}
func (getTransport) isClientMessage()             {}
func (connectTransport) isClientMessage()         {}
func (produce) isClientMessage()                  {}
func (consume) isClientMessage()                  {}
func (leave) isClientMessage()                    {}

// decodeClientMessage parses one raw frame into the tagged union.
// Errors here are protocol errors answered with a VALIDATION frame.
func decodeClientMessage(raw []byte) (clientMessage, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch f.Type {
	case msgGetRouterRtpCapabilities:
		return getRouterRtpCapabilities{}, nil

	case msgGetTransport:
		var d struct {
			Direction string `json:"direction"`
		}
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return nil, fmt.Errorf("%s: %w", f.Type, err)
		}
		dir, err := registry.ParseDirection(d.Direction)
		if err != nil {
			return nil, err
		}
		return getTransport{Direction: dir}, nil

	case msgConnectTransport:
		var d struct {
			Direction      string                   `json:"direction"`
			DtlsParameters mediasoup.DtlsParameters `json:"dtls_parameters"`
		}
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return nil, fmt.Errorf("%s: %w", f.Type, err)
		}
		dir, err := registry.ParseDirection(d.Direction)
		if err != nil {
			return nil, err
		}
		return connectTransport{Direction: dir, DtlsParameters: d.DtlsParameters}, nil

	case msgProduce:
		var d struct {
			Kind          string                  `json:"kind"`
			RtpParameters mediasoup.RtpParameters `json:"rtp_parameters"`
			AppData       mediasoup.H             `json:"app_data"`
		}
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return nil, fmt.Errorf("%s: %w", f.Type, err)
		}
		if d.Kind != "audio" && d.Kind != "video" {
			return nil, fmt.Errorf("unknown media kind %q", d.Kind)
		}
		return produce{
			Kind:          mediasoup.MediaKind(d.Kind),
			RtpParameters: d.RtpParameters,
			AppData:       d.AppData,
		}, nil

	case msgConsume:
		var d struct {
			ProducerID      string                    `json:"producer_id"`
			RtpCapabilities mediasoup.RtpCapabilities `json:"rtp_capabilities"`
		}
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return nil, fmt.Errorf("%s: %w", f.Type, err)
		}
		if d.ProducerID == "" {
			return nil, fmt.Errorf("consume: producer_id required")
		}
		return consume{ProducerID: d.ProducerID, RtpCapabilities: d.RtpCapabilities}, nil

	case msgLeave:
		return leave{}, nil

	default:
		return nil, fmt.Errorf("unknown message type %q", f.Type)
	}
}

// Outbound payloads.

type welcomeData struct {
	PeerID                string                    `json:"peer_id"`
	Role                  string                    `json:"role"`
	RouterRtpCapabilities mediasoup.RtpCapabilities `json:"router_rtp_capabilities"`
	ICEServers            []webrtc.ICEServer        `json:"ice_servers"`
}

type routerRtpCapabilitiesData struct {
	RouterRtpCapabilities mediasoup.RtpCapabilities `json:"router_rtp_capabilities"`
}

type transportCreatedData struct {
	Direction      string                    `json:"direction"`
	TransportID    string                    `json:"transport_id"`
	IceParameters  mediasoup.IceParameters   `json:"ice_parameters"`
	IceCandidates  []mediasoup.IceCandidate  `json:"ice_candidates"`
	DtlsParameters mediasoup.DtlsParameters  `json:"dtls_parameters"`
}

type transportConnectedData struct {
	Direction string `json:"direction"`
}

type producedData struct {
	ProducerID string `json:"producer_id"`
	Kind       string `json:"kind"`
}

type consumedData struct {
	ConsumerID    string                  `json:"consumer_id"`
	ProducerID    string                  `json:"producer_id"`
	Kind          string                  `json:"kind"`
	RtpParameters mediasoup.RtpParameters `json:"rtp_parameters"`
}

type newProducerData struct {
	ProducerID string `json:"producer_id"`
	Kind       string `json:"kind"`
}

type viewerEventData struct {
	PeerID   string `json:"peer_id"`
	Username string `json:"username,omitempty"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorFrame(code, message string) outFrame {
	return outFrame{Type: msgError, Data: errorData{Code: code, Message: message}}
}
