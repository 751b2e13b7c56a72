package observerproto

// Version is the observer protocol version.
const Version = "0.1"

// Message types.
const (
	TypeSubscribe = "SUBSCRIBE"
	TypeTick      = "TICK"
)

// Client -> Server. First message on the observer WS connection.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// HTTP response for GET /v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string   `json:"protocol_version"`
	Scenario        string   `json:"scenario"`
	Tick            uint64   `json:"tick"`
	TickIntervalMs  int      `json:"tick_interval_ms"`
	Buckets         []string `json:"buckets"`
}

// Server -> Client. Sent every tick.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Digest          string `json:"digest"`

	Buckets []BucketState `json:"buckets"`
}

type BucketState struct {
	Name     string `json:"name"`
	Quantity uint64 `json:"quantity"`
}
