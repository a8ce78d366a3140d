package protocol

import "strconv"

// Protocol versions
const (
	VersionText   = 2 // text-only, legacy FRAME lines
	VersionBinary = 3 // binary video framing

	// ChallengeVersion is the v= value carried by AUTH_CHALLENGE
	ChallengeVersion = 2
)

// Client to server commands
const (
	CmdHello         = "HELLO"
	CmdAuthResponse  = "AUTH_RESPONSE"
	CmdAuthLegacy    = "AUTH"
	CmdCaps          = "CAPS"
	CmdSetStream     = "SET_STREAM"
	CmdPing          = "PING"
	CmdPong          = "PONG"
	CmdStartRecord   = "START_RECORDING"
	CmdStopRecord    = "STOP_RECORDING"
	CmdReqKeyFrame   = "REQ_KEYFRAME"
	CmdSwitchCamera  = "SWITCH_CAMERA"
	CmdZoom          = "ZOOM"
	CmdAdjustBitrate = "ADJUST_BITRATE"
	CmdBackpressure  = "BACKPRESSURE"
	CmdPressureClear = "PRESSURE_CLEAR"
	CmdAudioFrame    = "AUDIO_FRAME"
	CmdResume        = "RESUME"
)

// Server to client messages
const (
	MsgAuthChallenge  = "AUTH_CHALLENGE"
	MsgAuthOK         = "AUTH_OK"
	MsgAuthFail       = "AUTH_FAIL"
	MsgSession        = "SESSION"
	MsgProto          = "PROTO"
	MsgStreamState    = "STREAM_STATE"
	MsgCapsOK         = "CAPS_OK"
	MsgStreamRejected = "STREAM_REJECTED"
	MsgError          = "ERROR"
	MsgPong           = "PONG"
	MsgPing           = "PING"
	MsgCSD            = "CSD"
	MsgRecording      = "RECORDING"
	MsgEncRotation    = "ENC_ROT"
	MsgAudioFrame     = "AUDIO_FRAME"
	MsgFrame          = "FRAME"
)

// Error and rejection reasons
const (
	ReasonCapsRequired     = "caps_required"
	ReasonUnsupported      = "unsupported"
	ReasonNotAuthenticated = "not_authenticated"
	ReasonUnknownCommand   = "unknown_command"
	ReasonInvalidCaps      = "invalid_caps"
	ReasonInvalidStream    = "invalid_stream"
	ReasonInvalidCommand   = "invalid_command"
	ReasonBusy             = "busy"
	ReasonBadHash          = "bad_hash"
	ReasonLegacyAuth       = "legacy_auth"
	ReasonNoChallenge      = "no_challenge"
)

// StreamStateCode is the numeric code carried by STREAM_STATE
type StreamStateCode int

const (
	StreamActive        StreamStateCode = 1
	StreamReconfiguring StreamStateCode = 2
	StreamPaused        StreamStateCode = 3
	StreamStopped       StreamStateCode = 4
)

// String returns the name of the state code
func (c StreamStateCode) String() string {
	switch c {
	case StreamActive:
		return "ACTIVE"
	case StreamReconfiguring:
		return "RECONFIGURING"
	case StreamPaused:
		return "PAUSED"
	case StreamStopped:
		return "STOPPED"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(c)) + ")"
	}
}

// AuthChallenge builds AUTH_CHALLENGE|v=2|salt=<hex>
func AuthChallenge(salt string) string {
	return Line(MsgAuthChallenge, KV("v", ChallengeVersion), KV("salt", salt))
}

// AuthFail builds AUTH_FAIL[|reason=...]
func AuthFail(reason string) string {
	if reason == "" {
		return MsgAuthFail
	}
	return Line(MsgAuthFail, KV("reason", reason))
}

// SessionLine builds SESSION|id=<id>
func SessionLine(id string) string {
	return Line(MsgSession, KV("id", id))
}

// ProtoLine builds PROTO|version=<n>
func ProtoLine(version int) string {
	return Line(MsgProto, KV("version", version))
}

// StreamState builds STREAM_STATE|<code>|epoch=<e>
func StreamState(code StreamStateCode, epoch uint32) string {
	return Line(MsgStreamState, strconv.Itoa(int(code)), KV("epoch", epoch))
}

// StreamRejected builds STREAM_REJECTED|reason=<reason>
func StreamRejected(reason string) string {
	return Line(MsgStreamRejected, KV("reason", reason))
}

// ErrorLine builds ERROR|reason=<reason>
func ErrorLine(reason string) string {
	return Line(MsgError, KV("reason", reason))
}

// Pong builds PONG[|tsMs=<echo>]|srvMs=<ms>
func Pong(clientTsMs string, serverMs int64) string {
	if clientTsMs == "" {
		return Line(MsgPong, KV("srvMs", serverMs))
	}
	return Line(MsgPong, KV("tsMs", clientTsMs), KV("srvMs", serverMs))
}

// Keepalive builds the server-initiated PING|srvMs=<ms>
func Keepalive(serverMs int64) string {
	return Line(MsgPing, KV("srvMs", serverMs))
}

// CSDHeader builds CSD|epoch=<e>|sps=<n>|pps=<n>; the raw SPS then PPS bytes follow
func CSDHeader(epoch uint32, spsLen, ppsLen int) string {
	return Line(MsgCSD, KV("epoch", epoch), KV("sps", spsLen), KV("pps", ppsLen))
}

// Recording builds RECORDING|active=<bool>
func Recording(active bool) string {
	return Line(MsgRecording, KV("active", active))
}

// EncoderRotation builds ENC_ROT|deg=<deg>
func EncoderRotation(deg int) string {
	return Line(MsgEncRotation, KV("deg", deg))
}

// ValidRotation reports whether deg is one of 0, 90, 180, 270
func ValidRotation(deg int) bool {
	return deg == 0 || deg == 90 || deg == 180 || deg == 270
}

// AudioFrameHeader builds AUDIO_FRAME|dir=down|[format=..|]tsUs=|size=|rate=|ch=; the raw bytes follow
func AudioFrameHeader(format string, tsUs int64, size, rate, channels int) string {
	parts := make([]string, 0, 6)
	parts = append(parts, KV("dir", "down"))
	if format != "" {
		parts = append(parts, KV("format", format))
	}
	parts = append(parts, KV("tsUs", tsUs), KV("size", size), KV("rate", rate), KV("ch", channels))
	return Line(MsgAudioFrame, parts...)
}

// LegacyFrame holds the fields of a protocol 2 FRAME line
type LegacyFrame struct {
	Epoch    uint32
	Seq      uint64
	Size     int
	KeyFrame bool
	TsUs     int64
	SrvMs    int64
	CapMs    int64
	AgeMs    int64
}

// FrameLine builds FRAME|epoch=|seq=|size=|key=|tsUs=|srvMs=|capMs=|ageMs=; the payload follows
func FrameLine(f LegacyFrame) string {
	key := 0
	if f.KeyFrame {
		key = 1
	}
	return Line(MsgFrame,
		KV("epoch", f.Epoch),
		KV("seq", f.Seq),
		KV("size", f.Size),
		KV("key", key),
		KV("tsUs", f.TsUs),
		KV("srvMs", f.SrvMs),
		KV("capMs", f.CapMs),
		KV("ageMs", f.AgeMs),
	)
}
