package worker

import (
	mediasoup "github.com/jiyeyuran/mediasoup-go"

	"github.com/onlylang/mediaserver/config"
)

// startBitrateKbps is the x-google-start-bitrate hint applied to every
// video codec.
const startBitrateKbps = 1000

// MediaCodecs builds the router codec capabilities: Opus for audio,
// VP8/VP9/H264 for video.
func MediaCodecs(audio config.AudioConfig) []*mediasoup.RtpCodecCapability {
	opus := &mediasoup.RtpCodecCapability{
		Kind:      mediasoup.MediaKind_Audio,
		MimeType:  "audio/opus",
		ClockRate: audio.SampleRate,
		Channels:  2,
	}

	vp8 := &mediasoup.RtpCodecCapability{
		Kind:      mediasoup.MediaKind_Video,
		MimeType:  "video/VP8",
		ClockRate: 90000,
	}
	vp8.Parameters.XGoogleStartBitrate = startBitrateKbps

	vp9 := &mediasoup.RtpCodecCapability{
		Kind:      mediasoup.MediaKind_Video,
		MimeType:  "video/VP9",
		ClockRate: 90000,
	}
	vp9.Parameters.ProfileId = "2"
	vp9.Parameters.XGoogleStartBitrate = startBitrateKbps

	h264 := &mediasoup.RtpCodecCapability{
		Kind:      mediasoup.MediaKind_Video,
		MimeType:  "video/H264",
		ClockRate: 90000,
	}
	h264.Parameters.PacketizationMode = 1
	h264.Parameters.ProfileLevelId = "42e01f"
	h264.Parameters.LevelAsymmetryAllowed = 1
	h264.Parameters.XGoogleStartBitrate = startBitrateKbps

	return []*mediasoup.RtpCodecCapability{opus, vp8, vp9, h264}
}
