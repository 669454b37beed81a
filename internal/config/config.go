package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// ICEServer holds STUN/TURN server configuration for the connection layer.
type ICEServer struct {
	URL        string
	Username   string
	Credential string
}

// Config holds the peercall client configuration. The rendezvous channel
// identity is carried here explicitly instead of being read from ambient
// state by the core packages.
type Config struct {
	// ChannelURL is the websocket endpoint of the rendezvous server.
	ChannelURL string
	ICEServers []ICEServer
	Audio      bool
	Video      bool
}

// Load reads configuration from a .env file (if present) and environment
// variables. Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		ChannelURL: getEnv("PEERCALL_CHANNEL_URL", "ws://127.0.0.1:8844/ws"),
		Audio:      getEnv("PEERCALL_AUDIO", "1") != "0",
		Video:      getEnv("PEERCALL_VIDEO", "1") != "0",
	}

	stun := getEnv("PEERCALL_STUN", "stun:stun.l.google.com:19302")
	for _, u := range strings.Split(stun, ",") {
		if u = strings.TrimSpace(u); u != "" {
			cfg.ICEServers = append(cfg.ICEServers, ICEServer{URL: u})
		}
	}
	if turn := os.Getenv("PEERCALL_TURN"); turn != "" {
		cfg.ICEServers = append(cfg.ICEServers, ICEServer{
			URL:        turn,
			Username:   os.Getenv("PEERCALL_TURN_USER"),
			Credential: os.Getenv("PEERCALL_TURN_PASS"),
		})
	}
	return cfg, nil
}

// ServerConfig holds the rendezvousd configuration.
type ServerConfig struct {
	ListenAddr string
}

// LoadServer reads the rendezvousd configuration from the environment.
func LoadServer() *ServerConfig {
	_ = godotenv.Load()
	return &ServerConfig{
		ListenAddr: getEnv("RENDEZVOUS_LISTEN_ADDR", ":8844"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
