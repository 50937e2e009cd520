// Package config loads process configuration: built-in defaults, then an
// optional YAML file, then environment variables with the CHATWRIGHT_
// prefix (double underscores nest, e.g. CHATWRIGHT_BUS__URL → bus.url).
// The worker additionally honors the flat names its deployment environment
// carries (USER_ID, DATABASE_URL, INITIAL_MESSAGE_TEXT, ...).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CHATWRIGHT_"

// Bus is the connection to the job store. Postgres URLs select the
// Postgres dialect; any other value is treated as a SQLite path.
type Bus struct {
	URL string `koanf:"url"`
}

// Chat configures the chat platform client and event intake.
type Chat struct {
	// BaseURL is the platform web API root, Token the bot credential.
	BaseURL string `koanf:"base_url"`
	Token   string `koanf:"token"`

	// Events selects the intake: "http" (POST /events verified with
	// SigningSecret) or "socket" (dial SocketURL with SocketToken).
	Events        string `koanf:"events"`
	SigningSecret string `koanf:"signing_secret"`
	SocketURL     string `koanf:"socket_url"`
	SocketToken   string `koanf:"socket_token"`
}

func (c *Chat) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("chat.base_url is required")
	}
	if c.Token == "" {
		return fmt.Errorf("chat.token is required")
	}
	switch c.Events {
	case "http":
		if c.SigningSecret == "" {
			return fmt.Errorf("chat.signing_secret is required for http events")
		}
	case "socket":
		if c.SocketURL == "" {
			return fmt.Errorf("chat.socket_url is required for socket events")
		}
	default:
		return fmt.Errorf("chat.events must be \"http\" or \"socket\", got %q", c.Events)
	}
	return nil
}

// Repo resolves users to their repositories for the Edit link button.
type Repo struct {
	// Links maps a chat userId to the web URL of their repository.
	Links map[string]string `koanf:"links"`
}

// Gateway configures the chat-facing process: events intake, dispatcher
// and response consumer.
type Gateway struct {
	Addr      string   `koanf:"addr"`
	Bus       Bus      `koanf:"bus"`
	Chat      Chat     `koanf:"chat"`
	Allowlist []string `koanf:"allowlist"`
	Repo      Repo     `koanf:"repo"`
}

// Validate checks required fields.
func (c *Gateway) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required")
	}
	return c.Chat.validate()
}

// RateLimit bounds per-user actions within a sliding window.
type RateLimit struct {
	Enabled bool          `koanf:"enabled"`
	Max     int           `koanf:"max"`
	Window  time.Duration `koanf:"window"`

	// Store externalizes counters to the bus store so multiple
	// orchestrator replicas share one window.
	Store bool `koanf:"store"`
}

// Workload configures the container orchestrator client and the worker
// deployments it creates.
type Workload struct {
	// Kind selects the client: "kube" or "none" (reconcile bookkeeping
	// without a real orchestrator; standalone and tests).
	Kind string `koanf:"kind"`

	// APIServer, TokenFile and CAFile locate the orchestrator API. Empty
	// values fall back to the conventional in-cluster paths.
	APIServer string `koanf:"api_server"`
	TokenFile string `koanf:"token_file"`
	CAFile    string `koanf:"ca_file"`
	Namespace string `koanf:"namespace"`

	// Image is the worker container image; SecretName the orchestrator
	// secret carrying chat and agent credentials for workers.
	Image      string `koanf:"image"`
	SecretName string `koanf:"secret_name"`
	ScratchGiB int    `koanf:"scratch_gib"`

	// Preemptible lets worker pods schedule onto preemptible nodes.
	Preemptible bool `koanf:"preemptible"`

	// WorkerBusURL is the store DSN as reachable from worker pods
	// (cluster DNS differs from the orchestrator's own view).
	WorkerBusURL string `koanf:"worker_bus_url"`

	// Repos maps userId → repository clone URL passed to that user's
	// worker; DefaultRepo applies when no mapping exists.
	Repos       map[string]string `koanf:"repos"`
	DefaultRepo string            `koanf:"default_repo"`

	SessionTimeout time.Duration `koanf:"session_timeout"`
}

// Admin guards the orchestrator admin API.
type Admin struct {
	// TokenHash is the bcrypt hash of the admin bearer token. Empty
	// disables the admin API.
	TokenHash string `koanf:"token_hash"`
}

// Orchestrator configures the reconciler process.
type Orchestrator struct {
	Addr              string        `koanf:"addr"`
	Bus               Bus           `koanf:"bus"`
	GracePeriod       time.Duration `koanf:"grace_period"`
	ReconcileInterval time.Duration `koanf:"reconcile_interval"`
	RateLimit         RateLimit     `koanf:"rate_limit"`
	Workload          Workload      `koanf:"workload"`
	Admin             Admin         `koanf:"admin"`
}

// Validate checks required fields.
func (c *Orchestrator) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace_period must be positive")
	}
	switch c.Workload.Kind {
	case "kube":
		if c.Workload.Image == "" {
			return fmt.Errorf("workload.image is required for kind \"kube\"")
		}
	case "none":
	default:
		return fmt.Errorf("workload.kind must be \"kube\" or \"none\", got %q", c.Workload.Kind)
	}
	return nil
}

// Agent configures the coding-agent subprocess.
type Agent struct {
	Binary         string   `koanf:"binary"`
	Args           []string `koanf:"args"`
	Model          string   `koanf:"model"`
	PermissionMode string   `koanf:"permission_mode"`
	Effort         string   `koanf:"effort"`
}

// Initial is the bootstrap message a worker deployment is created with;
// the session processes it before opening its queues.
type Initial struct {
	ChannelID         string `koanf:"channel_id"`
	ThreadID          string `koanf:"thread_id"`
	MessageID         string `koanf:"message_id"`
	MessageText       string `koanf:"message_text"`
	OriginalMessageTS string `koanf:"original_message_ts"`
	PlaceholderTS     string `koanf:"placeholder_ts"`
}

// Worker configures one WorkerSession process.
type Worker struct {
	UserID         string        `koanf:"user_id"`
	DeploymentName string        `koanf:"deployment_name"`
	Bus            Bus           `koanf:"bus"`
	RepositoryURL  string        `koanf:"repository_url"`
	Workspace      string        `koanf:"workspace"`
	SessionTimeout time.Duration `koanf:"session_timeout"`
	JobTimeout     time.Duration `koanf:"job_timeout"`
	Concurrency    int           `koanf:"concurrency"`

	// DirectConsume additionally subscribes to the global messages queue
	// filtered by user; standalone mode, where no orchestrator forwards.
	DirectConsume bool `koanf:"direct_consume"`

	Agent   Agent   `koanf:"agent"`
	Initial Initial `koanf:"initial"`
}

// Validate checks required fields.
func (c *Worker) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required")
	}
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	return nil
}

// Standalone configures the all-in-one local process: gateway plus a
// direct-consume worker over a SQLite bus under DataDir.
type Standalone struct {
	Addr      string   `koanf:"addr"`
	DataDir   string   `koanf:"data_dir"`
	Chat      Chat     `koanf:"chat"`
	Allowlist []string `koanf:"allowlist"`
	Repo      Repo     `koanf:"repo"`
	Worker    Worker   `koanf:"worker"`
}

// Validate checks required fields and ensures the data directory exists.
func (c *Standalone) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return c.Chat.validate()
}

func gatewayDefaults() map[string]any {
	return map[string]any{
		"addr":        ":8080",
		"chat.events": "http",
	}
}

func orchestratorDefaults() map[string]any {
	return map[string]any{
		"addr":                     ":8081",
		"grace_period":             "5m",
		"reconcile_interval":       "30s",
		"rate_limit.enabled":       true,
		"rate_limit.max":           5,
		"rate_limit.window":        "15m",
		"workload.kind":            "kube",
		"workload.namespace":       "default",
		"workload.scratch_gib":     10,
		"workload.session_timeout": "30m",
	}
}

func workerDefaults() map[string]any {
	return map[string]any{
		"workspace":       "/workspace",
		"session_timeout": "30m",
		"job_timeout":     "5m",
		"concurrency":     1,
		"agent.binary":    "agent",
	}
}

func standaloneDefaults() map[string]any {
	return map[string]any{
		"addr":                   ":8080",
		"data_dir":               DefaultDataDir(),
		"chat.events":            "http",
		"worker.user_id":         "local",
		"worker.workspace":       defaultWorkspace(),
		"worker.session_timeout": "0", // local workers never idle out
		"worker.job_timeout":     "5m",
		"worker.concurrency":     1,
		"worker.direct_consume":  true,
		"worker.agent.binary":    "agent",
	}
}

func defaultWorkspace() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// DefaultDataDir is the standalone state root.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "chatwright")
	}
	return filepath.Join(home, ".config", "chatwright")
}

// LoadGateway loads the gateway configuration.
func LoadGateway(path string) (*Gateway, error) {
	var cfg Gateway
	if err := load(path, gatewayDefaults(), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrchestrator loads the orchestrator configuration.
func LoadOrchestrator(path string) (*Orchestrator, error) {
	var cfg Orchestrator
	if err := load(path, orchestratorDefaults(), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadStandalone loads the standalone configuration.
func LoadStandalone(path string) (*Standalone, error) {
	var cfg Standalone
	if err := load(path, standaloneDefaults(), &cfg); err != nil {
		return nil, err
	}
	if cfg.Worker.Bus.URL == "" {
		cfg.Worker.Bus.URL = SQLitePath(cfg.DataDir)
	}
	return &cfg, nil
}

// LoadWorker loads the worker configuration from the environment only:
// worker pods are configured entirely by their deployment spec.
func LoadWorker() (*Worker, error) {
	var cfg Worker
	if err := load("", workerDefaults(), &cfg); err != nil {
		return nil, err
	}
	overlayWorkerEnv(&cfg)
	return &cfg, nil
}

// SQLitePath returns the bus database path under a data directory.
func SQLitePath(dataDir string) string {
	return filepath.Join(dataDir, "bus.db")
}

// load applies the defaults ← file ← env chain into out.
func load(path string, defaults map[string]any, out any) error {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}

	if err := k.Unmarshal("", out); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

// overlayWorkerEnv applies the flat environment names the orchestrator
// sets on worker deployments. They win over everything else so that a
// pod's identity cannot be overridden by a stray config file.
func overlayWorkerEnv(cfg *Worker) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.UserID, "USER_ID")
	set(&cfg.DeploymentName, "DEPLOYMENT_NAME")
	set(&cfg.Bus.URL, "DATABASE_URL")
	set(&cfg.RepositoryURL, "REPOSITORY_URL")
	set(&cfg.Workspace, "WORKSPACE_DIR")

	if v := os.Getenv("SESSION_TIMEOUT_MINUTES"); v != "" {
		if mins, err := strconv.Atoi(v); err == nil && mins >= 0 {
			cfg.SessionTimeout = time.Duration(mins) * time.Minute
		}
	}

	set(&cfg.Initial.ChannelID, "INITIAL_CHANNEL_ID")
	set(&cfg.Initial.ThreadID, "INITIAL_THREAD_ID")
	set(&cfg.Initial.MessageID, "INITIAL_MESSAGE_ID")
	set(&cfg.Initial.MessageText, "INITIAL_MESSAGE_TEXT")
	set(&cfg.Initial.OriginalMessageTS, "INITIAL_ORIGINAL_MESSAGE_TS")
	set(&cfg.Initial.PlaceholderTS, "INITIAL_PLACEHOLDER_TS")
}
