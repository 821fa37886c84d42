package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// DefaultConfigPath is used when UNBLOCK_CONFIG is not set.
const DefaultConfigPath = "/settings/config.json"

// Default remote endpoints for the built-in proxy sources.
const (
	DefaultServerURL = "http://114.66.31.109:3000"
	DefaultGDURL     = "https://music-api.gdstudio.xyz/api.php"
)

// Config holds all runtime configuration for the unblock resolver service.
type Config struct {
	ListenAddr        string        `json:"listenAddr"`        // Address the HTTP server binds to
	DatabasePath      string        `json:"databasePath"`      // SQLite file holding the source list
	ServerURL         string        `json:"serverURL"`         // Base of the built-in match/ncmget proxies
	GDURL             string        `json:"gdURL"`             // Base of the built-in GD studio proxy
	BackendTimeout    time.Duration `json:"backendTimeout"`    // Upper bound for a single backend attempt
	FetchTimeout      time.Duration `json:"fetchTimeout"`      // Upper bound for one outbound request made by a script
	ScriptRateLimit   int           `json:"scriptRateLimit"`   // Outbound requests per second allowed per script invocation
	ScriptMaxRequests int           `json:"scriptMaxRequests"` // Outbound request budget per script invocation
	ProbeWorkers      int           `json:"probeWorkers"`      // Size of the diagnostics worker pool
	ProbeInterval     time.Duration `json:"probeInterval"`     // Re-probe interval, 0 probes at startup only
	VerifyStreams     bool          `json:"verifyStreams"`     // Check resolved canary URLs actually serve audio
	CacheEnabled      bool          `json:"cacheEnabled"`      // Whether resolved URLs are cached
	CacheDuration     time.Duration `json:"cacheDuration"`     // Lifetime of a cached resolution
	UserAgent         string        `json:"userAgent"`         // User-Agent sent on every outbound request
	LogLevel          string        `json:"logLevel"`          // DEBUG, INFO, WARN or ERROR
	Debug             bool          `json:"debug"`             // Forces DEBUG logging
	ObfuscateUrls     bool          `json:"obfuscateUrls"`     // Obfuscate URLs in logs
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling configuration.
// String duration fields (e.g., "30m") are parsed into time.Duration values.
type ConfigFile struct {
	ListenAddr        string `json:"listenAddr"`
	DatabasePath      string `json:"databasePath"`
	ServerURL         string `json:"serverURL"`
	GDURL             string `json:"gdURL"`
	BackendTimeout    string `json:"backendTimeout"` // Duration as string (e.g., "15s")
	FetchTimeout      string `json:"fetchTimeout"`   // Duration as string (e.g., "10s")
	ScriptRateLimit   int    `json:"scriptRateLimit"`
	ScriptMaxRequests int    `json:"scriptMaxRequests"`
	ProbeWorkers      int    `json:"probeWorkers"`
	ProbeInterval     string `json:"probeInterval"` // Duration as string, empty or "0" disables
	VerifyStreams     bool   `json:"verifyStreams"`
	CacheEnabled      *bool  `json:"cacheEnabled"` // pointer so an absent key keeps the default
	CacheDuration     string `json:"cacheDuration"`
	UserAgent         string `json:"userAgent"`
	LogLevel          string `json:"logLevel"`
	Debug             bool   `json:"debug"`
	ObfuscateUrls     bool   `json:"obfuscateUrls"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// Path returns the configuration file location, honoring UNBLOCK_CONFIG.
func Path() string {
	if p := os.Getenv("UNBLOCK_CONFIG"); p != "" {
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

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Listen: %s", config.ListenAddr)
		log.Printf("  Database: %s", config.DatabasePath)
		log.Printf("  Server URL: %s", obfuscateURL(config.ServerURL))
		log.Printf("  Backend timeout: %s", config.BackendTimeout)
		log.Printf("  Probe workers: %d, interval: %s", config.ProbeWorkers, config.ProbeInterval)
		log.Printf("  Cache: %v (%s)", config.CacheEnabled, config.CacheDuration)
	}

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

// parseDuration treats an empty string as zero so optional keys may be omitted.
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		ListenAddr:        cf.ListenAddr,
		DatabasePath:      cf.DatabasePath,
		ServerURL:         cf.ServerURL,
		GDURL:             cf.GDURL,
		ScriptRateLimit:   cf.ScriptRateLimit,
		ScriptMaxRequests: cf.ScriptMaxRequests,
		ProbeWorkers:      cf.ProbeWorkers,
		VerifyStreams:     cf.VerifyStreams,
		CacheEnabled:      true,
		UserAgent:         cf.UserAgent,
		LogLevel:          cf.LogLevel,
		Debug:             cf.Debug,
		ObfuscateUrls:     cf.ObfuscateUrls,
	}
	if cf.CacheEnabled != nil {
		config.CacheEnabled = *cf.CacheEnabled
	}

	var err error
	if config.BackendTimeout, err = parseDuration("backendTimeout", cf.BackendTimeout); err != nil {
		return nil, err
	}
	if config.FetchTimeout, err = parseDuration("fetchTimeout", cf.FetchTimeout); err != nil {
		return nil, err
	}
	if config.ProbeInterval, err = parseDuration("probeInterval", cf.ProbeInterval); err != nil {
		return nil, err
	}
	if config.CacheDuration, err = parseDuration("cacheDuration", cf.CacheDuration); err != nil {
		return nil, err
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		ListenAddr:        ":8080",
		DatabasePath:      "/settings/unblock.db",
		ServerURL:         DefaultServerURL,
		GDURL:             DefaultGDURL,
		BackendTimeout:    15 * time.Second,
		FetchTimeout:      10 * time.Second,
		ScriptRateLimit:   10,
		ScriptMaxRequests: 20,
		ProbeWorkers:      4,
		ProbeInterval:     0,
		VerifyStreams:     false,
		CacheEnabled:      true,
		CacheDuration:     10 * time.Minute,
		UserAgent:         "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
		LogLevel:          "INFO",
	}
}

// Default returns a fresh copy of the built-in defaults.
func Default() *Config {
	return getDefaultConfig()
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	def := getDefaultConfig()
	if config.ListenAddr == "" {
		config.ListenAddr = def.ListenAddr
	}
	if config.DatabasePath == "" {
		config.DatabasePath = def.DatabasePath
	}
	if config.ServerURL == "" {
		config.ServerURL = def.ServerURL
	}
	if config.GDURL == "" {
		config.GDURL = def.GDURL
	}
	if config.BackendTimeout <= 0 {
		config.BackendTimeout = def.BackendTimeout
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = def.FetchTimeout
	}
	// a script request may never outlive the attempt that issued it
	if config.FetchTimeout > config.BackendTimeout {
		config.FetchTimeout = config.BackendTimeout
	}
	if config.ScriptRateLimit <= 0 {
		config.ScriptRateLimit = def.ScriptRateLimit
	}
	if config.ScriptMaxRequests <= 0 {
		config.ScriptMaxRequests = def.ScriptMaxRequests
	}
	if config.ProbeWorkers <= 0 {
		config.ProbeWorkers = def.ProbeWorkers
	}
	if config.ProbeInterval < 0 {
		config.ProbeInterval = 0
	}
	if config.CacheDuration <= 0 {
		config.CacheDuration = def.CacheDuration
	}
	if config.UserAgent == "" {
		config.UserAgent = def.UserAgent
	}
	if config.LogLevel == "" {
		config.LogLevel = def.LogLevel
	}
	if config.Debug {
		config.LogLevel = "DEBUG"
	}
}

// CreateExampleConfig writes an example config file to path.
func CreateExampleConfig(path string) error {
	enabled := true
	example := ConfigFile{
		ListenAddr:        ":8080",
		DatabasePath:      "/settings/unblock.db",
		ServerURL:         DefaultServerURL,
		GDURL:             DefaultGDURL,
		BackendTimeout:    "15s",
		FetchTimeout:      "10s",
		ScriptRateLimit:   10,
		ScriptMaxRequests: 20,
		ProbeWorkers:      4,
		ProbeInterval:     "6h",
		VerifyStreams:     true,
		CacheEnabled:      &enabled,
		CacheDuration:     "10m",
		LogLevel:          "INFO",
		ObfuscateUrls:     true,
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

// obfuscateURL masks sensitive parts of a URL for logging.
func obfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	return result
}
