package envelope

import "encoding/json"

// Registered event type names, the core-relevant subset from spec
// section 4.1. External collaborators may publish additional types;
// only these are recognized by this router.
const (
	TypeSTTPartial      = "stt.partial"
	TypeSTTFinal        = "stt.final"
	TypeSTTAudioFFT     = "stt.audio_fft"
	TypeWakeEvent       = "wake.event"
	TypeWakeMic         = "wake.mic"
	TypeLLMRequest      = "llm.request"
	TypeLLMResponse     = "llm.response"
	TypeLLMStream       = "llm.stream"
	TypeLLMCancel       = "llm.cancel"
	TypeTTSSay          = "tts.say"
	TypeTTSStatus       = "tts.status"
	TypeTTSControl      = "tts.control"
	TypeMemoryQuery     = "memory.query"
	TypeMemoryResult    = "memory.result"
	TypeCharacterGet    = "character.get"
	TypeCharacterCurr   = "character.current"
	TypeHealthStatus    = "health.status"
	TypeConfigUpdate    = "config.update"
)

// STTFinal is the data payload of a stt.final envelope.
type STTFinal struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Lang       string  `json:"lang,omitempty"`
	IsFinal    bool    `json:"is_final"`
}

// STTPartial is the data payload of a stt.partial envelope.
type STTPartial struct {
	Text string `json:"text"`
}

// LLMMessage is a single chat message within an llm.request payload.
type LLMMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMRequest is the data payload of an llm.request envelope.
type LLMRequest struct {
	Messages []LLMMessage `json:"messages"`
	System   string       `json:"system,omitempty"`
	Stream   bool         `json:"stream,omitempty"`
	Tools    []string     `json:"tools,omitempty"`
}

// LLMStream is the data payload of an llm.stream envelope.
type LLMStream struct {
	Seq   int    `json:"seq"`
	Delta string `json:"delta"`
	Final bool   `json:"final,omitempty"`
}

// LLMCancel is the data payload of an llm.cancel envelope.
type LLMCancel struct {
	Reason string `json:"reason,omitempty"`
}

// TTSSay is the data payload of a tts.say envelope.
type TTSSay struct {
	Text        string `json:"text"`
	UtteranceID string `json:"utterance_id"`
	Voice       string `json:"voice,omitempty"`
	IsLast      bool   `json:"is_last,omitempty"`
}

// TTSStatus is the data payload of a tts.status envelope.
type TTSStatus struct {
	Event       string `json:"event"`
	UtteranceID string `json:"utterance_id,omitempty"`
}

// TTSControlAction enumerates tts.control actions.
type TTSControlAction string

const (
	TTSControlStop   TTSControlAction = "stop"
	TTSControlPause  TTSControlAction = "pause"
	TTSControlResume TTSControlAction = "resume"
)

// TTSControl is the data payload of a tts.control envelope.
type TTSControl struct {
	Action TTSControlAction `json:"action"`
}

// WakeEventType enumerates wake.event types.
type WakeEventType string

const (
	WakeEventWake    WakeEventType = "wake"
	WakeEventTimeout WakeEventType = "timeout"
)

// WakeEvent is the data payload of a wake.event envelope.
type WakeEvent struct {
	Type       WakeEventType `json:"type"`
	Cause      string        `json:"cause,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Energy     float64       `json:"energy,omitempty"`
}

// WakeMicAction enumerates wake.mic actions.
type WakeMicAction string

const (
	WakeMicMute   WakeMicAction = "mute"
	WakeMicUnmute WakeMicAction = "unmute"
)

// WakeMic is the data payload of a wake.mic envelope.
type WakeMic struct {
	Action WakeMicAction `json:"action"`
	TTLMs  int           `json:"ttl_ms,omitempty"`
}

// HealthStatus is the data payload of a health.status envelope.
type HealthStatus struct {
	OK    bool   `json:"ok"`
	Event string `json:"event,omitempty"`
	Err   string `json:"err,omitempty"`
}

// registry maps a registered type name to a constructor for its data
// struct. Decode uses this both to reject unknown types and to
// validate that Data round-trips through the concrete struct.
var registry = map[string]func() any{
	TypeSTTPartial:    func() any { return new(STTPartial) },
	TypeSTTFinal:      func() any { return new(STTFinal) },
	TypeSTTAudioFFT:   func() any { return new(json.RawMessage) },
	TypeWakeEvent:     func() any { return new(WakeEvent) },
	TypeWakeMic:       func() any { return new(WakeMic) },
	TypeLLMRequest:    func() any { return new(LLMRequest) },
	TypeLLMResponse:   func() any { return new(LLMMessage) },
	TypeLLMStream:     func() any { return new(LLMStream) },
	TypeLLMCancel:     func() any { return new(LLMCancel) },
	TypeTTSSay:        func() any { return new(TTSSay) },
	TypeTTSStatus:     func() any { return new(TTSStatus) },
	TypeTTSControl:    func() any { return new(TTSControl) },
	TypeMemoryQuery:   func() any { return new(json.RawMessage) },
	TypeMemoryResult:  func() any { return new(json.RawMessage) },
	TypeCharacterGet:  func() any { return new(json.RawMessage) },
	TypeCharacterCurr: func() any { return new(json.RawMessage) },
	TypeHealthStatus:  func() any { return new(HealthStatus) },
	TypeConfigUpdate:  func() any { return new(json.RawMessage) },
}

// validateData checks that raw unmarshals into typ's registered data
// struct. Unknown/missing optional fields are fine (additive schema
// evolution); a raw value that cannot be unmarshaled at all is a
// schema violation.
func validateData(typ string, raw json.RawMessage) error {
	ctor, ok := registry[typ]
	if !ok {
		return ErrUnknownEventType
	}
	v := ctor()
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return ErrSchemaViolation
	}
	return nil
}
