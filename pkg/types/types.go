package types

import "github.com/pion/webrtc/v4"

type StreamKind string

const (
	Audio   StreamKind = "audio"
	Video   StreamKind = "video"
	Unknown StreamKind = "unknown"
)

func StreamKindFromCodecType(typ webrtc.RTPCodecType) StreamKind {
	switch typ {
	case webrtc.RTPCodecTypeAudio:
		return Audio
	case webrtc.RTPCodecTypeVideo:
		return Video
	default:
		return Unknown
	}
}

func (k StreamKind) CodecType() webrtc.RTPCodecType {
	switch k {
	case Audio:
		return webrtc.RTPCodecTypeAudio
	case Video:
		return webrtc.RTPCodecTypeVideo
	default:
		return 0
	}
}

type NegotiationState string

const (
	NegotiationIdle         NegotiationState = "idle"
	NegotiationOfferCreated NegotiationState = "offer_created"
	NegotiationAwaitingICE  NegotiationState = "awaiting_ice"
	NegotiationNegotiating  NegotiationState = "negotiating"
	NegotiationConnected    NegotiationState = "connected"
	NegotiationFailed       NegotiationState = "failed"
)

func (s NegotiationState) IsTerminal() bool {
	return s == NegotiationConnected || s == NegotiationFailed
}

type PlayerState string

const (
	PlayerNone       PlayerState = "none"
	PlayerConnecting PlayerState = "connecting"
	PlayerPlaying    PlayerState = "playing"
	PlayerError      PlayerState = "error"
)
