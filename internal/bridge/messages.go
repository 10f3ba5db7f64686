package bridge

// Message types exchanged with the browser.
const (
	// client -> server
	msgHello            = "hello"
	msgStart            = "start"
	msgMediaReady       = "media-ready"
	msgMediaError       = "media-error"
	msgMediaEnd         = "media-end"
	msgSpeechEnd        = "speech-end"
	msgRecognition      = "recognition"
	msgRecognitionError = "recognition-error"
	msgRecognitionEnd   = "recognition-end"
	msgOnline           = "online"
	msgOffline          = "offline"
	msgUnload           = "unload"
	msgPing             = "ping"

	// server -> client
	msgSession   = "session"
	msgAcquire   = "acquire"
	msgRelease   = "release"
	msgPause     = "pause"
	msgResume    = "resume"
	msgStopRec   = "stop-recording"
	msgSpeak     = "speak"
	msgListenOn  = "listen-start"
	msgListenOff = "listen-stop"
	msgCountdown = "countdown"
	msgTurn      = "turn"
	msgStatus    = "status"
	msgNotice    = "notice"
	msgError     = "error"
	msgPong      = "pong"
)

// Media error reasons reported by the page.
const (
	reasonPermission = "permission"
	reasonNoDevice   = "unavailable"
)

// wsMessage represents WebSocket message structure.
type wsMessage struct {
	Type string `json:"type"`

	// hello
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`

	// speak / speech-end
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`

	// recognition
	Final bool   `json:"final,omitempty"`
	Error string `json:"error,omitempty"`

	// media-error
	Reason string `json:"reason,omitempty"`

	// acquire
	Audio    bool   `json:"audio,omitempty"`
	Video    bool   `json:"video,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// session / status / turn / notice / countdown
	SessionID     string `json:"sessionId,omitempty"`
	Status        string `json:"status,omitempty"`
	Partial       bool   `json:"partial,omitempty"`
	Speaker       string `json:"speaker,omitempty"`
	QuestionIndex *int   `json:"questionIndex,omitempty"`
	Kind          string `json:"kind,omitempty"`
	Message       string `json:"message,omitempty"`
	Remaining     *int   `json:"remaining,omitempty"`
}

func intPtr(v int) *int { return &v }
