package config

// ServerConfig contains HTTP listener and origin settings.
type ServerConfig struct {
	// Host is the listen address (default: "0.0.0.0").
	Host string `yaml:"host"`

	// Port is the listen port (default: 8000).
	Port int `yaml:"port"`

	// AllowedOrigins are CORS origins permitted on the REST surface.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// AllowedWSOrigins are additional origin patterns accepted during the
	// WebSocket handshake. Localhost origins are always accepted.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host: "0.0.0.0",
		Port: 8000,
	}
}
