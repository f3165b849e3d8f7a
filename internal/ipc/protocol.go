package ipc

// Commands understood by the server.
const (
	CmdPing   = "ping"
	CmdStatus = "status"
	CmdStop   = "stop"
	CmdFlush  = "flush"
)

// Request is a JSON message sent from client to server.
type Request struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

// Response is a JSON message sent from server to client.
type Response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// StatusData is returned by the "status" command.
type StatusData struct {
	PID           int              `json:"pid"`
	Uptime        string           `json:"uptime"`
	SessionsDir   string           `json:"sessions_dir"`
	DeliveryMode  string           `json:"delivery_mode"`
	TrackedFiles  int              `json:"tracked_files"`
	SeenIDs       int              `json:"seen_ids"`
	KnownSessions int              `json:"known_sessions"`
	PendingGroups int              `json:"pending_groups"`
	PendingEvents int              `json:"pending_events"`
	CooldownMs    int64            `json:"cooldown_ms"`
	Deliveries    map[string]int64 `json:"deliveries,omitempty"`
	DBSizeBytes   int64            `json:"db_size_bytes"`
	MetricsAddr   string           `json:"metrics_addr,omitempty"`
}

// FlushData is returned by the "flush" command.
type FlushData struct {
	Groups int    `json:"groups"`
	Events int    `json:"events"`
	Error  string `json:"error,omitempty"`
}
