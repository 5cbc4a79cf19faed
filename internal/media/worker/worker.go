// Package worker owns the media workers that carry RTP. Workers are
// opaque engines hosting routers; routers host transports, producers
// and consumers. The rest of the server only sees the interfaces in
// this file, so tests can substitute an in-memory engine.
package worker

import (
	mediasoup "github.com/jiyeyuran/mediasoup-go"
)

// RouterOptions configure a new router.
type RouterOptions struct {
	MediaCodecs []*mediasoup.RtpCodecCapability
}

// TransportOptions configure a new WebRTC transport. The transport
// listens on 0.0.0.0; AnnouncedIP, when set, is advertised in ICE
// candidates instead.
type TransportOptions struct {
	AnnouncedIP                     string
	InitialAvailableOutgoingBitrate uint32
	MaxIncomingBitrate              uint32
}

// Engine spawns media workers. The production engine spawns mediasoup
// worker subprocesses; tests use an in-memory fake.
type Engine interface {
	Spawn() (Worker, error)
}

// Worker is one media worker process.
type Worker interface {
	CreateRouter(opts RouterOptions) (Router, error)
	// OnDied registers a callback invoked when the worker process
	// dies unexpectedly. Death is unrecoverable.
	OnDied(fn func(err error))
	Closed() bool
	Close()
}

// Router relays RTP between the transports created on it.
type Router interface {
	ID() string
	RtpCapabilities() mediasoup.RtpCapabilities
	CreateWebRTCTransport(opts TransportOptions) (Transport, error)
	CanConsume(producerID string, caps mediasoup.RtpCapabilities) bool
	Close()
}

// Transport is one WebRTC-side ICE+DTLS bundle toward a single peer.
type Transport interface {
	ID() string
	IceParameters() mediasoup.IceParameters
	IceCandidates() []mediasoup.IceCandidate
	DtlsParameters() mediasoup.DtlsParameters
	// Connect supplies the client's DTLS parameters. Produce and
	// Consume fail until Connect has succeeded.
	Connect(dtls mediasoup.DtlsParameters) error
	Produce(kind mediasoup.MediaKind, rtp mediasoup.RtpParameters, appData mediasoup.H) (Producer, error)
	Consume(producerID string, caps mediasoup.RtpCapabilities) (Consumer, error)
	Close()
}

// Producer is a server-side sink for one incoming media stream.
type Producer interface {
	ID() string
	Kind() mediasoup.MediaKind
	Close()
}

// Consumer forwards one producer's RTP to one viewer.
type Consumer interface {
	ID() string
	Kind() mediasoup.MediaKind
	ProducerID() string
	RtpParameters() mediasoup.RtpParameters
	Close()
}
