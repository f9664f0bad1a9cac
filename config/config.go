// Package config handles configuration persistence for sumlink.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"sumlink/ads"
	"sumlink/sumread"

	"gopkg.in/yaml.v3"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config is the main application configuration.
type Config struct {
	Namespace string           `yaml:"namespace"`
	Device    DeviceConfig     `yaml:"device"`
	Poll      PollConfig       `yaml:"poll"`
	Variables []VariableConfig `yaml:"variables"`
	REST      RESTConfig       `yaml:"rest"`
	MQTT      []MQTTConfig     `yaml:"mqtt,omitempty"`
	Valkey    []ValkeyConfig   `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig    `yaml:"kafka,omitempty"`
	UI        UIConfig         `yaml:"ui,omitempty"`

	dataMu sync.Mutex // protects config data; Lock/Unlock/UnlockAndSave

	listenersMu     sync.RWMutex
	changeListeners map[ConfigListenerID]func()
	listenerCounter uint64
}

// DeviceConfig describes the ADS endpoint.
type DeviceConfig struct {
	Name           string        `yaml:"name"`
	Address        string        `yaml:"address"`                    // router host or host:port
	AmsNetID       string        `yaml:"ams_net_id,omitempty"`       // default: address + ".1.1"
	LocalAmsNetID  string        `yaml:"local_ams_net_id,omitempty"` // default: derived from the local socket
	DevicePort     uint16        `yaml:"device_port,omitempty"`      // port for device info/state, default 851
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	SumBufferNElem int           `yaml:"sum_buffer_nelem,omitempty"` // max variables per sum-read
}

// PollConfig holds the cycle timing.
type PollConfig struct {
	SumReadPeriod    time.Duration `yaml:"sum_read_period,omitempty"`
	DeviceInfoPeriod time.Duration `yaml:"device_info_period,omitempty"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay,omitempty"`
}

// VariableConfig binds a name to an address. Either Address (specifier text)
// or Function and Args (structured form) is set.
type VariableConfig struct {
	Name     string   `yaml:"name"`
	Address  string   `yaml:"address,omitempty"`
	Function string   `yaml:"function,omitempty"`
	Args     []string `yaml:"args,omitempty"`
	Enabled  *bool    `yaml:"enabled,omitempty"` // nil means enabled
}

// IsEnabled reports whether the variable should be polled.
func (v *VariableConfig) IsEnabled() bool {
	return v.Enabled == nil || *v.Enabled
}

// Parse returns the sum-read address for the variable.
func (v *VariableConfig) Parse() (*sumread.Address, error) {
	switch {
	case v.Address != "" && v.Function != "":
		return nil, fmt.Errorf("variable %s: address and function are exclusive", v.Name)
	case v.Address != "":
		return sumread.ParseAddress(v.Address)
	case v.Function != "":
		return sumread.ParseFunctionAddress(v.Function, v.Args)
	default:
		return nil, fmt.Errorf("variable %s: no address", v.Name)
	}
}

// UIConfig holds TUI preferences.
type UIConfig struct {
	ASCIIMode bool          `yaml:"ascii_mode,omitempty"` // Use ASCII characters for borders
	Refresh   time.Duration `yaml:"refresh,omitempty"`
}

// RESTConfig holds HTTP API server configuration.
type RESTConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	SessionSecret string `yaml:"session_secret,omitempty"`
	Users         []User `yaml:"users,omitempty"`
}

// User may log in to the API to write variables.
type User struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         string `yaml:"role"`          // "admin" or "viewer"
}

// User roles
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name      string `yaml:"name"`
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	ClientID  string `yaml:"client_id"`
	RootTopic string `yaml:"root_topic,omitempty"` // default: namespace
	UseTLS    bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name            string        `yaml:"name"`
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"` // host:port format
	Password        string        `yaml:"password,omitempty"`
	Database        int           `yaml:"database"`          // Redis DB number (default 0)
	Factory         string        `yaml:"factory,omitempty"` // key prefix, default: namespace
	UseTLS          bool          `yaml:"use_tls,omitempty"`
	KeyTTL          time.Duration `yaml:"key_ttl,omitempty"`          // TTL for keys (0 = no expiry)
	PublishChanges  bool          `yaml:"publish_changes,omitempty"`  // Publish to Pub/Sub on changes
	EnableWriteback bool          `yaml:"enable_writeback,omitempty"` // Enable write-back queue
}

// KafkaConfig holds Kafka cluster configuration for YAML persistence.
// The kafka package has its own Config for runtime use; main converts.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`

	Topic            string `yaml:"topic,omitempty"`              // default: {namespace}-changes
	AutoCreateTopics *bool  `yaml:"auto_create_topics,omitempty"` // default true
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "sumlink",
		Device: DeviceConfig{
			Name:           "plc",
			DevicePort:     ads.PortTC3PLC1,
			Timeout:        500 * time.Millisecond,
			SumBufferNElem: sumread.DefaultMaxPerBuffer,
		},
		Poll: PollConfig{
			SumReadPeriod:    time.Millisecond,
			DeviceInfoPeriod: 5 * time.Second,
			ReconnectDelay:   500 * time.Millisecond,
		},
		Variables: []VariableConfig{},
		REST: RESTConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		MQTT:   []MQTTConfig{},
		Valkey: []ValkeyConfig{},
		Kafka:  []KafkaConfig{},
		UI: UIConfig{
			Refresh: 500 * time.Millisecond,
		},
	}
}

// DefaultMQTTConfig returns an MQTT config for a local broker.
func DefaultMQTTConfig(name string) MQTTConfig {
	return MQTTConfig{
		Name:     name,
		Broker:   "localhost",
		Port:     1883,
		ClientID: "sumlink-" + name,
	}
}

// DefaultValkeyConfig returns a Valkey config for a local server.
func DefaultValkeyConfig(name string) ValkeyConfig {
	return ValkeyConfig{
		Name:           name,
		Address:        "localhost:6379",
		PublishChanges: true,
	}
}

// DefaultKafkaConfig returns a Kafka config for a local broker.
func DefaultKafkaConfig(name string) KafkaConfig {
	return KafkaConfig{
		Name:         name,
		Brokers:      []string{"localhost:9092"},
		RequiredAcks: -1,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// DefaultPath returns the default configuration file path (~/.sumlink/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".sumlink", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are written back to path.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	dirty := false

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		dirty = true
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Session cookies for API logins need a signing key.
	if cfg.REST.SessionSecret == "" {
		secret := make([]byte, 32)
		rand.Read(secret)
		cfg.REST.SessionSecret = base64.StdEncoding.EncodeToString(secret)
		dirty = true
	}

	if dirty {
		cfg.Save(path) // Best-effort save
	}

	return cfg, nil
}

// AddOnChangeListener registers a callback to be called when the config is saved.
// Returns an ID that can be used to remove the listener later.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
// Use this before modifying config fields, then call UnlockAndSave.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked marshals config (lock must be held), unlocks, then writes and notifies.
func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()

	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// Validate checks the configuration for errors. The device address is not
// required here so a fresh config can be loaded and edited.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, and underscores")
	}
	if _, _, err := c.Device.NetIDs(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Variables))
	for i := range c.Variables {
		v := &c.Variables[i]
		if v.Name == "" {
			return fmt.Errorf("variable %d has no name", i+1)
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate variable name %q", v.Name)
		}
		seen[v.Name] = true
		if _, err := v.Parse(); err != nil {
			return fmt.Errorf("variable %s: %w", v.Name, err)
		}
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

// NetIDs parses the remote and local AMS Net IDs. Unset IDs are zero; the
// ADS client then derives them from the socket addresses.
func (d *DeviceConfig) NetIDs() (remote, local ads.AmsNetId, err error) {
	if d.AmsNetID != "" {
		if remote, err = ads.ParseAmsNetId(d.AmsNetID); err != nil {
			return remote, local, fmt.Errorf("device ams_net_id: %w", err)
		}
	}
	if d.LocalAmsNetID != "" {
		if local, err = ads.ParseAmsNetId(d.LocalAmsNetID); err != nil {
			return remote, local, fmt.Errorf("device local_ams_net_id: %w", err)
		}
	}
	return remote, local, nil
}

// BuildVariables parses every enabled variable.
func (c *Config) BuildVariables() ([]*sumread.Variable, error) {
	vars := make([]*sumread.Variable, 0, len(c.Variables))
	for i := range c.Variables {
		vc := &c.Variables[i]
		if !vc.IsEnabled() {
			continue
		}
		addr, err := vc.Parse()
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", vc.Name, err)
		}
		vars = append(vars, sumread.NewVariable(vc.Name, addr))
	}
	return vars, nil
}

// FindVariable returns the variable config with the given name, or nil if not found.
func (c *Config) FindVariable(name string) *VariableConfig {
	for i := range c.Variables {
		if c.Variables[i].Name == name {
			return &c.Variables[i]
		}
	}
	return nil
}

// AddVariable adds a new variable.
func (c *Config) AddVariable(v VariableConfig) {
	c.Variables = append(c.Variables, v)
}

// RemoveVariable removes a variable by name.
func (c *Config) RemoveVariable(name string) bool {
	for i, v := range c.Variables {
		if v.Name == name {
			c.Variables = append(c.Variables[:i], c.Variables[i+1:]...)
			return true
		}
	}
	return false
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// AddMQTT adds a new MQTT configuration.
func (c *Config) AddMQTT(mqtt MQTTConfig) {
	c.MQTT = append(c.MQTT, mqtt)
}

// RemoveMQTT removes an MQTT config by name.
func (c *Config) RemoveMQTT(name string) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT = append(c.MQTT[:i], c.MQTT[i+1:]...)
			return true
		}
	}
	return false
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// AddValkey adds a new Valkey configuration.
func (c *Config) AddValkey(valkey ValkeyConfig) {
	c.Valkey = append(c.Valkey, valkey)
}

// RemoveValkey removes a Valkey config by name.
func (c *Config) RemoveValkey(name string) bool {
	for i, v := range c.Valkey {
		if v.Name == name {
			c.Valkey = append(c.Valkey[:i], c.Valkey[i+1:]...)
			return true
		}
	}
	return false
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// AddKafka adds a new Kafka configuration.
func (c *Config) AddKafka(kafka KafkaConfig) {
	c.Kafka = append(c.Kafka, kafka)
}

// RemoveKafka removes a Kafka config by name.
func (c *Config) RemoveKafka(name string) bool {
	for i, k := range c.Kafka {
		if k.Name == name {
			c.Kafka = append(c.Kafka[:i], c.Kafka[i+1:]...)
			return true
		}
	}
	return false
}

// FindUser returns the user with the given username, or nil if not found.
func (c *Config) FindUser(username string) *User {
	for i := range c.REST.Users {
		if c.REST.Users[i].Username == username {
			return &c.REST.Users[i]
		}
	}
	return nil
}

// AddUser adds a new user.
func (c *Config) AddUser(user User) {
	c.REST.Users = append(c.REST.Users, user)
}

// RemoveUser removes a user by username.
func (c *Config) RemoveUser(username string) bool {
	for i, u := range c.REST.Users {
		if u.Username == username {
			c.REST.Users = append(c.REST.Users[:i], c.REST.Users[i+1:]...)
			return true
		}
	}
	return false
}
