// Package config loads the per-component configuration structs from the
// environment. Every field has a code-level default so a component starts
// cleanly with no environment at all; environment variables only override.
package config

import (
	"os"
	"strconv"
	"time"
)

// Bridge configures the Bridge process.
type Bridge struct {
	Port                    int
	AuthToken               string
	HeartbeatInterval       time.Duration
	LivenessWindow          int
	EventLogCapacity        int
	AllowedOrigins          []string
	ScreenshotsDir          string
}

// LoadBridge reads a Bridge config from the environment, applying defaults
// for anything unset.
func LoadBridge() Bridge {
	return Bridge{
		Port:              envInt("BRIDGE_PORT", 8080),
		AuthToken:         envString("BRIDGE_AUTH_TOKEN", ""),
		HeartbeatInterval: envDuration("BRIDGE_HEARTBEAT_INTERVAL_MS", 5*time.Second),
		LivenessWindow:    envInt("BRIDGE_LIVENESS_WINDOW", 3),
		EventLogCapacity:  envInt("BRIDGE_EVENT_LOG_CAPACITY", 10000),
		AllowedOrigins:    envStringList("ALLOWED_ORIGINS", []string{"*"}),
		ScreenshotsDir:    envString("SCREENSHOTS_DIR", "./screenshots"),
	}
}

// Doctor configures the Doctor process.
type Doctor struct {
	BridgeURL               string
	BridgeAuthToken         string
	Port                    int
	MaxActivePlans          int
	PlanTTL                 time.Duration
	PlanCleanupInterval     time.Duration
	RateLimitRequestsPerSec float64
	RateLimitBurst          int
	FailureThresholdForTool int
	FrankToolCreationEnabled bool
	ReconnectInitialBackoff time.Duration
	ReconnectMaxBackoff     time.Duration
	FrankHealthURL          string
	FrankSpawnCommand       string
	AnthropicAPIKey         string
	AnthropicModel          string
	AllowLocalhost          bool
	FrankToolsURL           string
	IgorSpawnCommand        string
}

// LoadDoctor reads a Doctor config from the environment.
func LoadDoctor() Doctor {
	return Doctor{
		BridgeURL:                envString("BRIDGE_URL", "ws://localhost:8080/bus"),
		BridgeAuthToken:          envString("BRIDGE_AUTH_TOKEN", ""),
		Port:                     envInt("DOCTOR_PORT", 8081),
		MaxActivePlans:           envInt("MAX_ACTIVE_PLANS", 50),
		PlanTTL:                  envDuration("PLAN_TTL_MS", 10*time.Minute),
		PlanCleanupInterval:      envDuration("PLAN_CLEANUP_INTERVAL_MS", 30*time.Second),
		RateLimitRequestsPerSec:  envFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:           envInt("RATE_LIMIT_BURST", 20),
		FailureThresholdForTool:  envInt("FAILURE_THRESHOLD_FOR_TOOL", 3),
		FrankToolCreationEnabled: envBool("FRANK_TOOL_CREATION_ENABLED", true),
		ReconnectInitialBackoff:  envDuration("BRIDGE_RECONNECT_INITIAL_MS", 500*time.Millisecond),
		ReconnectMaxBackoff:      envDuration("BRIDGE_RECONNECT_MAX_MS", 30*time.Second),
		FrankHealthURL:           envString("FRANK_HEALTH_URL", "http://localhost:8082/health"),
		FrankSpawnCommand:        envString("FRANK_SPAWN_COMMAND", "./frankenstein"),
		AnthropicAPIKey:          envString("ANTHROPIC_API_KEY", ""),
		AnthropicModel:           envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
		AllowLocalhost:           envBool("ALLOW_LOCALHOST", false),
		FrankToolsURL:            envString("FRANK_TOOLS_URL", "http://localhost:8082/tools"),
		IgorSpawnCommand:         envString("IGOR_SPAWN_COMMAND", "./igor"),
	}
}

// Igor configures an Igor worker process.
type Igor struct {
	BridgeURL               string
	BridgeAuthToken         string
	ID                      string
	Route                   string
	ReconnectInitialBackoff time.Duration
	ReconnectMaxBackoff     time.Duration
	AnthropicAPIKey         string
	AnthropicModel          string
}

// LoadIgor reads an Igor config from the environment.
func LoadIgor() Igor {
	return Igor{
		BridgeURL:               envString("BRIDGE_URL", "ws://localhost:8080/bus"),
		BridgeAuthToken:         envString("BRIDGE_AUTH_TOKEN", ""),
		ID:                      envString("IGOR_ID", ""),
		Route:                   envString("IGOR_ROUTE", ""),
		ReconnectInitialBackoff: envDuration("BRIDGE_RECONNECT_INITIAL_MS", 500*time.Millisecond),
		ReconnectMaxBackoff:     envDuration("BRIDGE_RECONNECT_MAX_MS", 30*time.Second),
		AnthropicAPIKey:         envString("ANTHROPIC_API_KEY", ""),
		AnthropicModel:          envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
	}
}

// Frank configures the Frankenstein process.
type Frank struct {
	BridgeURL           string
	BridgeAuthToken     string
	Port                int
	MaxBrowsers         int
	MaxPages            int
	BrowserIdleTimeout  time.Duration
	ScreenshotsDir      string
	ExperienceDir       string
	AllowLocalhost      bool
}

// LoadFrank reads a Frank config from the environment.
func LoadFrank() Frank {
	return Frank{
		BridgeURL:          envString("BRIDGE_URL", "ws://localhost:8080/bus"),
		BridgeAuthToken:    envString("BRIDGE_AUTH_TOKEN", ""),
		Port:               envInt("FRANKENSTEIN_PORT", 8082),
		MaxBrowsers:        envInt("MAX_BROWSERS", 5),
		MaxPages:           envInt("MAX_PAGES", 20),
		BrowserIdleTimeout: envDuration("BROWSER_IDLE_TIMEOUT", 5*time.Minute),
		ScreenshotsDir:     envString("SCREENSHOTS_DIR", "./screenshots"),
		ExperienceDir:      envString("EXPERIENCE_DIR", "./experience"),
		AllowLocalhost:     envBool("ALLOW_LOCALHOST", false),
	}
}

// Logging configures the shared logger, independent of which component is
// running.
type Logging struct {
	Level  string
	Format string
}

// LoadLogging reads logging config from the environment.
func LoadLogging() Logging {
	return Logging{
		Level:  envString("LOG_LEVEL", "info"),
		Format: envString("LOG_FORMAT", "text"),
	}
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

func envStringList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
