package airt

// Outbound message shapes sent to the AI-RT endpoint.

type sessionUpdateMsg struct {
	Type    string           `json:"type"`
	Session sessionParamsMsg `json:"session"`
}

type sessionParamsMsg struct {
	Modalities              []string              `json:"modalities"`
	Voice                   string                `json:"voice"`
	Instructions            string                `json:"instructions,omitempty"`
	InputAudioFormat        string                `json:"input_audio_format"`
	OutputAudioFormat       string                `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams  `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetectionMsg       `json:"turn_detection"`
}

type transcriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

// turnDetectionMsg carries only the fields relevant to its Type: server_vad
// gets Threshold/PrefixPaddingMs/SilenceDurationMs, semantic_vad gets none.
type turnDetectionMsg struct {
	Type              string   `json:"type"`
	Threshold         *float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   *int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs *int     `json:"silence_duration_ms,omitempty"`
}

type conversationItemCreateMsg struct {
	Type string          `json:"type"`
	Item conversationItm `json:"item"`
}

type conversationItm struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCreateMsg struct {
	Type string `json:"type"`
}

type inputAudioAppendMsg struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// wireEvent is the open envelope for inbound server events: only the
// fields relevant to the type actually present are populated.
type wireEvent struct {
	Type       string          `json:"type"`
	Item       *wireItem       `json:"item,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Error      *wireErrorBody  `json:"error,omitempty"`
}

type wireItem struct {
	Role string `json:"role"`
}

type wireErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func buildTurnDetection(vadType string, threshold float64, prefixPaddingMS, silenceDurationMS int) turnDetectionMsg {
	if vadType == "semantic_vad" {
		return turnDetectionMsg{Type: "semantic_vad"}
	}

	if threshold <= 0 {
		threshold = 0.6
	}
	if prefixPaddingMS <= 0 {
		prefixPaddingMS = 200
	}
	if silenceDurationMS <= 0 {
		silenceDurationMS = 600
	}
	return turnDetectionMsg{
		Type:              "server_vad",
		Threshold:         &threshold,
		PrefixPaddingMs:   &prefixPaddingMS,
		SilenceDurationMs: &silenceDurationMS,
	}
}
