package worker

import (
	"fmt"

	mediasoup "github.com/jiyeyuran/mediasoup-go"
)

// MediasoupEngine spawns mediasoup worker subprocesses.
type MediasoupEngine struct {
	LogLevel   mediasoup.WorkerLogLevel
	RTCMinPort uint16
	RTCMaxPort uint16
}

// NewMediasoupEngine returns an engine with the default RTC port range.
func NewMediasoupEngine() *MediasoupEngine {
	return &MediasoupEngine{
		LogLevel:   mediasoup.WorkerLogLevel_Warn,
		RTCMinPort: 10000,
		RTCMaxPort: 59999,
	}
}

// Spawn starts one mediasoup worker subprocess.
func (e *MediasoupEngine) Spawn() (Worker, error) {
	w, err := mediasoup.NewWorker(func(s *mediasoup.WorkerSettings) {
		s.LogLevel = e.LogLevel
		s.RtcMinPort = e.RTCMinPort
		s.RtcMaxPort = e.RTCMaxPort
	})
	if err != nil {
		return nil, fmt.Errorf("spawn mediasoup worker: %w", err)
	}
	return &msoupWorker{w: w}, nil
}

type msoupWorker struct {
	w *mediasoup.Worker
}

func (m *msoupWorker) CreateRouter(opts RouterOptions) (Router, error) {
	r, err := m.w.CreateRouter(mediasoup.RouterOptions{MediaCodecs: opts.MediaCodecs})
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	return &msoupRouter{r: r}, nil
}

func (m *msoupWorker) OnDied(fn func(err error)) {
	m.w.On("died", fn)
}

func (m *msoupWorker) Closed() bool { return m.w.Closed() }
func (m *msoupWorker) Close()       { m.w.Close() }

type msoupRouter struct {
	r *mediasoup.Router
}

func (m *msoupRouter) ID() string { return m.r.Id() }

func (m *msoupRouter) RtpCapabilities() mediasoup.RtpCapabilities {
	return m.r.RtpCapabilities()
}

func (m *msoupRouter) CreateWebRTCTransport(opts TransportOptions) (Transport, error) {
	t, err := m.r.CreateWebRtcTransport(mediasoup.WebRtcTransportOptions{
		ListenIps: []mediasoup.TransportListenIp{
			{Ip: "0.0.0.0", AnnouncedIp: opts.AnnouncedIP},
		},
		EnableTcp:                       true,
		PreferUdp:                       true,
		InitialAvailableOutgoingBitrate: opts.InitialAvailableOutgoingBitrate,
	})
	if err != nil {
		return nil, fmt.Errorf("create webrtc transport: %w", err)
	}
	if opts.MaxIncomingBitrate > 0 {
		if err := t.SetMaxIncomingBitrate(int(opts.MaxIncomingBitrate)); err != nil {
			t.Close()
			return nil, fmt.Errorf("set max incoming bitrate: %w", err)
		}
	}
	return &msoupTransport{t: t}, nil
}

func (m *msoupRouter) CanConsume(producerID string, caps mediasoup.RtpCapabilities) bool {
	return m.r.CanConsume(producerID, caps)
}

func (m *msoupRouter) Close() { m.r.Close() }

type msoupTransport struct {
	t *mediasoup.WebRtcTransport
}

func (m *msoupTransport) ID() string { return m.t.Id() }

func (m *msoupTransport) IceParameters() mediasoup.IceParameters {
	return m.t.IceParameters()
}

func (m *msoupTransport) IceCandidates() []mediasoup.IceCandidate {
	return m.t.IceCandidates()
}

func (m *msoupTransport) DtlsParameters() mediasoup.DtlsParameters {
	return m.t.DtlsParameters()
}

func (m *msoupTransport) Connect(dtls mediasoup.DtlsParameters) error {
	return m.t.Connect(mediasoup.TransportConnectOptions{DtlsParameters: &dtls})
}

func (m *msoupTransport) Produce(kind mediasoup.MediaKind, rtp mediasoup.RtpParameters, appData mediasoup.H) (Producer, error) {
	p, err := m.t.Produce(mediasoup.ProducerOptions{
		Kind:          kind,
		RtpParameters: rtp,
		AppData:       appData,
	})
	if err != nil {
		return nil, err
	}
	return &msoupProducer{p: p}, nil
}

func (m *msoupTransport) Consume(producerID string, caps mediasoup.RtpCapabilities) (Consumer, error) {
	c, err := m.t.Consume(mediasoup.ConsumerOptions{
		ProducerId:      producerID,
		RtpCapabilities: caps,
	})
	if err != nil {
		return nil, err
	}
	return &msoupConsumer{c: c}, nil
}

func (m *msoupTransport) Close() { m.t.Close() }

type msoupProducer struct {
	p *mediasoup.Producer
}

func (m *msoupProducer) ID() string                { return m.p.Id() }
func (m *msoupProducer) Kind() mediasoup.MediaKind { return m.p.Kind() }
func (m *msoupProducer) Close()                    { m.p.Close() }

type msoupConsumer struct {
	c *mediasoup.Consumer
}

func (m *msoupConsumer) ID() string                { return m.c.Id() }
func (m *msoupConsumer) Kind() mediasoup.MediaKind { return m.c.Kind() }
func (m *msoupConsumer) ProducerID() string        { return m.c.ProducerId() }

func (m *msoupConsumer) RtpParameters() mediasoup.RtpParameters {
	return m.c.RtpParameters()
}

func (m *msoupConsumer) Close() { m.c.Close() }
