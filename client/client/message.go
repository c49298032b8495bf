package client

// Request is the command envelope sent to the bridge.
type Request struct {
	Cmd     string `json:"cmd"`
	Token   string `json:"token,omitempty"`
	Dir     string `json:"dir,omitempty"`
	Command string `json:"command,omitempty"`
}

// Response covers every message shape the bridge sends; unused fields stay
// zero.
type Response struct {
	Type                 string   `json:"type"`
	Success              bool     `json:"success,omitempty"`
	Message              string   `json:"message,omitempty"`
	Direction            string   `json:"direction,omitempty"`
	Command              string   `json:"command,omitempty"`
	Response             string   `json:"response,omitempty"`
	Commands             []string `json:"commands,omitempty"`
	Version              string   `json:"version,omitempty"`
	ArduinoConnected     bool     `json:"arduino_connected,omitempty"`
	Authenticated        bool     `json:"authenticated,omitempty"`
	ClientsConnected     int      `json:"clients_connected,omitempty"`
	ClientsAuthenticated int      `json:"clients_authenticated,omitempty"`
	Timestamp            string   `json:"timestamp,omitempty"`
}
