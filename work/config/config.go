package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultConfigPath is where the daemon looks for its settings unless EMELTV_CONFIG is set.
const DefaultConfigPath = "/settings/config.json"

// Engine modes control which playback path the controller is allowed to pick.
const (
	EngineModeAuto   = "auto"   // software engine when supported, native otherwise
	EngineModeEngine = "engine" // software engine only
	EngineModeNative = "native" // native element playback only
)

// Config holds all application configuration values for the stream player.
// It covers stream resolution, caching, playback and the control API.
type Config struct {
	BackendBaseURL           string            `json:"backendBaseURL"`           // Base URL of the stream-url backend
	IPLookupURL              string            `json:"ipLookupURL"`              // Public IP lookup endpoint returning {"ip": "..."}
	Device                   string            `json:"device"`                   // Device identifier sent as ?device=
	RetryDelay               time.Duration     `json:"retryDelay"`               // Fixed delay before a pipeline restart
	ControlsTimeout          time.Duration     `json:"controlsTimeout"`          // Auto-hide delay for on-screen controls
	RequestTimeout           time.Duration     `json:"requestTimeout"`           // Timeout for lookup/backend/manifest requests
	StallTimeout             time.Duration     `json:"stallTimeout"`             // Engine gives up when no new segment arrives for this long
	CacheEnabled             bool              `json:"cacheEnabled"`             // Whether resolved URLs are cached until they expire
	DatabasePath             string            `json:"databasePath"`             // SQLite file holding the persisted cache
	MemoryCacheTTL           time.Duration     `json:"memoryCacheTTL"`           // How long the in-memory front keeps an entry
	ListenAddr               string            `json:"listenAddr"`               // Control API listen address
	PlayerCommand            string            `json:"playerCommand"`            // External player binary (mpv)
	PlayerArgs               []string          `json:"playerArgs"`               // Extra player arguments
	IPCSocketDir             string            `json:"ipcSocketDir"`             // Directory for player IPC sockets
	EngineMode               string            `json:"engineMode"`               // auto, engine or native
	WorkerThreads            int               `json:"workerThreads"`            // Segment prefetch pool size
	SegmentRequestsPerSecond int               `json:"segmentRequestsPerSecond"` // Rate limit for playlist and segment requests
	UserAgent                string            `json:"userAgent"`                // HTTP User-Agent header for all requests
	LogLevel                 string            `json:"logLevel"`                 // DEBUG, INFO, WARN or ERROR
	Debug                    bool              `json:"debug"`                    // Forces DEBUG logging
	ObfuscateUrls            bool              `json:"obfuscateUrls"`            // Obfuscate URLs in logs and status
	AutoStart                bool              `json:"autoStart"`                // Skip the start gesture and play on boot
	KeyBindings              map[string]string `json:"keyBindings"`              // Extra key code -> action bindings
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling configuration.
// String duration fields (e.g., "3s") are parsed into time.Duration values.
type ConfigFile struct {
	BackendBaseURL           string            `json:"backendBaseURL"`
	IPLookupURL              string            `json:"ipLookupURL"`
	Device                   string            `json:"device"`
	RetryDelay               string            `json:"retryDelay"`
	ControlsTimeout          string            `json:"controlsTimeout"`
	RequestTimeout           string            `json:"requestTimeout"`
	StallTimeout             string            `json:"stallTimeout"`
	CacheEnabled             *bool             `json:"cacheEnabled"`
	DatabasePath             string            `json:"databasePath"`
	MemoryCacheTTL           string            `json:"memoryCacheTTL"`
	ListenAddr               string            `json:"listenAddr"`
	PlayerCommand            string            `json:"playerCommand"`
	PlayerArgs               []string          `json:"playerArgs"`
	IPCSocketDir             string            `json:"ipcSocketDir"`
	EngineMode               string            `json:"engineMode"`
	WorkerThreads            int               `json:"workerThreads"`
	SegmentRequestsPerSecond int               `json:"segmentRequestsPerSecond"`
	UserAgent                string            `json:"userAgent"`
	LogLevel                 string            `json:"logLevel"`
	Debug                    bool              `json:"debug"`
	ObfuscateUrls            bool              `json:"obfuscateUrls"`
	AutoStart                bool              `json:"autoStart"`
	KeyBindings              map[string]string `json:"keyBindings"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// Path returns the configuration file location, honouring EMELTV_CONFIG.
func Path() string {
	if p := os.Getenv("EMELTV_CONFIG"); p != "" {
		return p
	}
	return DefaultConfigPath
}

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from Path().
//   - Falls back to default config if file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	configPath := Path()
	config, err := LoadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	configCache = config
	return config
}

// LoadFromFile reads, parses and validates the configuration at path.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	config, err := convertFromFile(&configFile)
	if err != nil {
		return nil, err
	}
	validateAndSetDefaults(config)
	return config, nil
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BackendBaseURL:           cf.BackendBaseURL,
		IPLookupURL:              cf.IPLookupURL,
		Device:                   cf.Device,
		CacheEnabled:             true,
		DatabasePath:             cf.DatabasePath,
		ListenAddr:               cf.ListenAddr,
		PlayerCommand:            cf.PlayerCommand,
		PlayerArgs:               cf.PlayerArgs,
		IPCSocketDir:             cf.IPCSocketDir,
		EngineMode:               strings.ToLower(cf.EngineMode),
		WorkerThreads:            cf.WorkerThreads,
		SegmentRequestsPerSecond: cf.SegmentRequestsPerSecond,
		UserAgent:                cf.UserAgent,
		LogLevel:                 cf.LogLevel,
		Debug:                    cf.Debug,
		ObfuscateUrls:            cf.ObfuscateUrls,
		AutoStart:                cf.AutoStart,
		KeyBindings:              cf.KeyBindings,
	}
	if cf.CacheEnabled != nil {
		config.CacheEnabled = *cf.CacheEnabled
	}

	durations := []struct {
		name  string
		raw   string
		field *time.Duration
	}{
		{"retryDelay", cf.RetryDelay, &config.RetryDelay},
		{"controlsTimeout", cf.ControlsTimeout, &config.ControlsTimeout},
		{"requestTimeout", cf.RequestTimeout, &config.RequestTimeout},
		{"stallTimeout", cf.StallTimeout, &config.StallTimeout},
		{"memoryCacheTTL", cf.MemoryCacheTTL, &config.MemoryCacheTTL},
	}
	for _, d := range durations {
		// empty strings fall through to defaults
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.field = parsed
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	config := &Config{CacheEnabled: true}
	validateAndSetDefaults(config)
	return config
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.BackendBaseURL == "" {
		config.BackendBaseURL = "https://emeltv-backend.vercel.app"
	}
	config.BackendBaseURL = strings.TrimRight(config.BackendBaseURL, "/")
	if config.IPLookupURL == "" {
		config.IPLookupURL = "https://api.ipify.org?format=json"
	}
	if config.Device == "" {
		config.Device = "lg"
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 3 * time.Second
	}
	if config.ControlsTimeout <= 0 {
		config.ControlsTimeout = 3 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 15 * time.Second
	}
	if config.StallTimeout <= 0 {
		config.StallTimeout = 30 * time.Second
	}
	if config.DatabasePath == "" {
		config.DatabasePath = "/settings/emeltv.db"
	}
	if config.MemoryCacheTTL <= 0 {
		config.MemoryCacheTTL = time.Minute
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.PlayerCommand == "" {
		config.PlayerCommand = "mpv"
	}
	if config.IPCSocketDir == "" {
		config.IPCSocketDir = os.TempDir()
	}
	switch config.EngineMode {
	case EngineModeAuto, EngineModeEngine, EngineModeNative:
	default:
		config.EngineMode = EngineModeAuto
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 4
	}
	if config.SegmentRequestsPerSecond <= 0 {
		config.SegmentRequestsPerSecond = 10
	}
	if config.UserAgent == "" {
		config.UserAgent = "Mozilla/5.0 (Web0S; Linux/SmartTV) emeltv-player"
	}
	if config.Debug {
		config.LogLevel = "DEBUG"
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
	if config.KeyBindings == nil {
		config.KeyBindings = map[string]string{}
	}
}

// CreateExampleConfig creates an example config file on disk.
func CreateExampleConfig(path string) error {
	enabled := true
	example := ConfigFile{
		BackendBaseURL:           "https://emeltv-backend.vercel.app",
		IPLookupURL:              "https://api.ipify.org?format=json",
		Device:                   "lg",
		RetryDelay:               "3s",
		ControlsTimeout:          "3s",
		RequestTimeout:           "15s",
		StallTimeout:             "30s",
		CacheEnabled:             &enabled,
		DatabasePath:             "/settings/emeltv.db",
		MemoryCacheTTL:           "1m",
		ListenAddr:               ":8080",
		PlayerCommand:            "mpv",
		PlayerArgs:               []string{"--fs", "--no-terminal"},
		IPCSocketDir:             "/tmp",
		EngineMode:               EngineModeAuto,
		WorkerThreads:            4,
		SegmentRequestsPerSecond: 10,
		LogLevel:                 "INFO",
		ObfuscateUrls:            true,
		KeyBindings:              map[string]string{"403": "show_controls"},
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
