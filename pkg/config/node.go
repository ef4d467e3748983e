package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/hxrts/aura/pkg/consensus"
	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/guard"
	"github.com/hxrts/aura/pkg/observability"
	"github.com/hxrts/aura/pkg/store"
	"github.com/hxrts/aura/pkg/transport"
	"github.com/hxrts/aura/pkg/types"
)

//go:embed schema/node.schema.json
var nodeSchemaJSON string

const nodeSchemaURL = "https://aura.schemas.local/config/node.schema.json"

var (
	schemaOnce sync.Once
	nodeSchema *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(nodeSchemaURL, strings.NewReader(nodeSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("node schema load failed: %w", err)
			return
		}
		nodeSchema, schemaErr = c.Compile(nodeSchemaURL)
	})
	return nodeSchema, schemaErr
}

// Node is the YAML node configuration.
type Node struct {
	Authority string          `yaml:"authority"`
	Device    string          `yaml:"device,omitempty"`
	LogLevel  string          `yaml:"log_level,omitempty"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Transport TransportConfig `yaml:"transport"`
	Guard     GuardConfig     `yaml:"guard"`
	Storage   StorageConfig   `yaml:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ConsensusConfig struct {
	// Witnesses are authority UUIDs or names; names map to deterministic
	// ids.
	Witnesses      []string `yaml:"witnesses,omitempty"`
	Threshold      uint16   `yaml:"threshold,omitempty"`
	TimeoutMs      uint64   `yaml:"timeout_ms,omitempty"`
	FastPath       bool     `yaml:"fast_path,omitempty"`
	RetainedEpochs int      `yaml:"retained_epochs,omitempty"`
}

type TransportConfig struct {
	MaxClockSkewMs uint64  `yaml:"max_clock_skew_ms,omitempty"`
	InboxCapacity  int     `yaml:"inbox_capacity,omitempty"`
	RateLimit      float64 `yaml:"rate_limit,omitempty"`
	RateBurst      int     `yaml:"rate_burst,omitempty"`
}

type GuardConfig struct {
	Policy string `yaml:"policy,omitempty"`
	Trace  bool   `yaml:"trace,omitempty"`
}

type StorageConfig struct {
	Backend  string `yaml:"backend,omitempty"`
	DSN      string `yaml:"dsn,omitempty"`
	Bucket   string `yaml:"bucket,omitempty"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

type TelemetryConfig struct {
	Enabled    bool    `yaml:"enabled,omitempty"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	Insecure   bool    `yaml:"insecure,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// LoadFile reads and validates a node configuration file.
func LoadFile(path string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindNotFound, "config.load_file", err, "read %s", path)
	}
	return Parse(data)
}

// Parse validates YAML against the node schema and decodes it with
// defaults applied.
func Parse(data []byte) (*Node, error) {
	const op = "config.parse"
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvalid, op, err, "malformed YAML")
	}
	doc, err := jsonValue(raw)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvalid, op, err, "convert YAML")
	}
	schema, err := compiledSchema()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInternal, op, err, "compile schema")
	}
	if err := schema.Validate(doc); err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvalid, op, err, "schema validation failed")
	}

	var n Node
	if err := yaml.Unmarshal(data, &n); err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvalid, op, err, "decode node config")
	}
	n.applyDefaults()
	if n.Consensus.Threshold > 0 && int(n.Consensus.Threshold) > len(n.Consensus.Witnesses) {
		return nil, coreerr.New(coreerr.KindInvalid, op, "threshold %d exceeds %d witnesses", n.Consensus.Threshold, len(n.Consensus.Witnesses))
	}
	return &n, nil
}

// jsonValue re-encodes a YAML document into the value shapes the schema
// validator expects.
func jsonValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (n *Node) applyDefaults() {
	if n.LogLevel == "" {
		n.LogLevel = "INFO"
	}
	if n.Consensus.TimeoutMs == 0 {
		n.Consensus.TimeoutMs = uint64(consensus.DefaultTimeout / time.Millisecond)
	}
	if n.Consensus.RetainedEpochs == 0 {
		n.Consensus.RetainedEpochs = consensus.DefaultRetainedEpochs
	}
	if n.Transport.MaxClockSkewMs == 0 {
		n.Transport.MaxClockSkewMs = guard.DefaultMaxClockSkewMs
	}
	if n.Storage.Backend == "" {
		n.Storage.Backend = string(store.BackendMemory)
	}
	if n.Telemetry.Endpoint == "" {
		n.Telemetry.Endpoint = "localhost:4317"
	}
	if n.Telemetry.SampleRate == 0 {
		n.Telemetry.SampleRate = 1.0
	}
}

// ParseAuthority accepts an authority UUID or a name.
func ParseAuthority(s string) types.AuthorityID {
	if id, err := types.ParseAuthorityID(s); err == nil {
		return id
	}
	return types.AuthorityIDFromString(s)
}

// AuthorityID is the node's own authority.
func (n *Node) AuthorityID() types.AuthorityID { return ParseAuthority(n.Authority) }

// WitnessIDs resolves the configured witness set.
func (n *Node) WitnessIDs() []types.AuthorityID {
	out := make([]types.AuthorityID, 0, len(n.Consensus.Witnesses))
	for _, w := range n.Consensus.Witnesses {
		out = append(out, ParseAuthority(w))
	}
	return out
}

// ConsensusTimeout is the instance timeout.
func (n *Node) ConsensusTimeout() time.Duration {
	return time.Duration(n.Consensus.TimeoutMs) * time.Millisecond
}

func (n *Node) GuardConfig() guard.Config {
	return guard.Config{
		MaxClockSkewMs: n.Transport.MaxClockSkewMs,
		Policy:         n.Guard.Policy,
		Trace:          n.Guard.Trace,
	}
}

func (n *Node) InboxConfig() transport.InboxConfig {
	return transport.InboxConfig{
		Capacity:       n.Transport.InboxCapacity,
		PerSenderRate:  n.Transport.RateLimit,
		PerSenderBurst: n.Transport.RateBurst,
	}
}

func (n *Node) StoreConfig() store.Config {
	return store.Config{
		Backend:  store.Backend(n.Storage.Backend),
		DSN:      n.Storage.DSN,
		Bucket:   n.Storage.Bucket,
		Region:   n.Storage.Region,
		Endpoint: n.Storage.Endpoint,
		Prefix:   n.Storage.Prefix,
	}
}

func (n *Node) TelemetryConfig() *observability.Config {
	cfg := observability.DefaultConfig()
	cfg.Authority = n.AuthorityID().String()
	cfg.Enabled = n.Telemetry.Enabled
	cfg.OTLPEndpoint = n.Telemetry.Endpoint
	cfg.Insecure = n.Telemetry.Insecure
	cfg.SampleRate = n.Telemetry.SampleRate
	return cfg
}

// Override applies non-empty environment settings on top of the file.
func (n *Node) Override(env *Config) {
	if env.Authority != "" {
		n.Authority = env.Authority
	}
	if env.Device != "" {
		n.Device = env.Device
	}
	if env.StorageDSN != "" {
		n.Storage.DSN = env.StorageDSN
	}
	if env.StorageBackend != "" && env.StorageBackend != string(store.BackendMemory) {
		n.Storage.Backend = env.StorageBackend
	}
	if env.OTLPEndpoint != "" {
		n.Telemetry.Endpoint = env.OTLPEndpoint
		n.Telemetry.Enabled = true
	}
}
