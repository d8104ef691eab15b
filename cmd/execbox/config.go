package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"execbox/internal/common/cache"
	commonmw "execbox/internal/common/http/middleware"
	"execbox/internal/common/mq"
	"execbox/internal/coordinator"
	"execbox/internal/intake"
	"execbox/internal/pool"
	"execbox/internal/sandbox/engine"
	"execbox/internal/sandbox/profile"
	"execbox/internal/sandbox/security"
	"execbox/internal/sandbox/spec"
	"execbox/internal/sandbox/workspace"
	"execbox/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultResultTopic     = "execbox.results"
	defaultConsumerGroup   = "execbox-jobs"
	defaultLedgerTTL       = 24 * time.Hour
	defaultJobTTL          = 5 * time.Minute
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	// MaxBodyBytes bounds a single job request body.
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// RateLimit guards the job-accepting routes. It needs redis.
	RateLimit commonmw.RateLimitPolicy `yaml:"rateLimit"`
	CORS      commonmw.CORSConfig      `yaml:"cors"`
}

// KafkaConfig holds Kafka settings. An empty broker list disables the
// queued path.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	MinBytes      int           `yaml:"minBytes"`
	MaxBytes      int           `yaml:"maxBytes"`
	MaxWait       time.Duration `yaml:"maxWait"`
	BatchSize     int           `yaml:"batchSize"`
	BatchTimeout  time.Duration `yaml:"batchTimeout"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	RequiredAcks  int           `yaml:"requiredAcks"`
	Compression   string        `yaml:"compression"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	DeadLetter    string        `yaml:"deadLetterTopic"`
	MessageTTL    time.Duration `yaml:"messageTTL"`
}

// RedisConfig holds ledger store settings.
type RedisConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	PoolSize        int           `yaml:"poolSize"`
	DialTimeout     time.Duration `yaml:"dialTimeout"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime"`
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Size      int    `yaml:"size"`
	QueueSize int    `yaml:"queueSize"`
	Policy    string `yaml:"policy"`
}

// LimitsConfig holds server-side limits.
type LimitsConfig struct {
	Defaults spec.ResourceLimit `yaml:"defaults"`
	Caps     spec.ResourceLimit `yaml:"caps"`
	Compile  spec.ResourceLimit `yaml:"compile"`
}

// SandboxConfig holds sandbox engine and workspace settings.
type SandboxConfig struct {
	WorkRoot         string                               `yaml:"workRoot"`
	CgroupRoot       string                               `yaml:"cgroupRoot"`
	SeccompDir       string                               `yaml:"seccompDir"`
	HelperPath       string                               `yaml:"helperPath"`
	EnableSeccomp    bool                                 `yaml:"enableSeccomp"`
	EnableCgroup     bool                                 `yaml:"enableCgroup"`
	EnableNamespaces bool                                 `yaml:"enableNamespaces"`
	// BestEffortMemory allows running without cgroups, where memory is only
	// bounded by RLIMIT_AS and MemoryExceeded is inferred.
	BestEffortMemory bool                                 `yaml:"bestEffortMemory"`
	MountWorkspace   bool                                 `yaml:"mountWorkspace"`
	CPUPollInterval  time.Duration                        `yaml:"cpuPollInterval"`
	KillGrace        time.Duration                        `yaml:"killGrace"`
	MaxFileBytes     int64                                `yaml:"maxFileBytes"`
	BaseUID          int                                  `yaml:"baseUID"`
	BaseGID          int                                  `yaml:"baseGID"`
	Identities       int                                  `yaml:"identities"`
	Profiles         map[string]security.IsolationProfile `yaml:"profiles"`
}

// IntakeConfig holds job intake settings.
type IntakeConfig struct {
	// JobTopics is a weighted list, "topic:weight,...".
	JobTopics         string        `yaml:"jobTopics"`
	SubmitTopic       string        `yaml:"submitTopic"`
	ResultTopic       string        `yaml:"resultTopic"`
	CompressThreshold int           `yaml:"compressThreshold"`
	MaxSourceBytes    int           `yaml:"maxSourceBytes"`
	MaxStdinBytes     int           `yaml:"maxStdinBytes"`
	MaxCases          int           `yaml:"maxCases"`
	JobTTL            time.Duration `yaml:"jobTTL"`
	LedgerTTL         time.Duration `yaml:"ledgerTTL"`
	RetryTopic        string        `yaml:"retryTopic"`
	PoolRetryMax      int           `yaml:"poolRetryMax"`
	PoolRetryBase     time.Duration `yaml:"poolRetryBaseDelay"`
	PoolRetryMaxD     time.Duration `yaml:"poolRetryMaxDelay"`
}

// AppConfig holds execbox config.
type AppConfig struct {
	Server    ServerConfig                `yaml:"server"`
	Logger    logger.Config               `yaml:"logger"`
	Kafka     KafkaConfig                 `yaml:"kafka"`
	Redis     RedisConfig                 `yaml:"redis"`
	Pool      PoolConfig                  `yaml:"pool"`
	Limits    LimitsConfig                `yaml:"limits"`
	Sandbox   SandboxConfig               `yaml:"sandbox"`
	Languages map[string]profile.Override `yaml:"languages"`
	Intake    IntakeConfig                `yaml:"intake"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	// WriteTimeout stays zero unless set: the synchronous endpoint holds the
	// response open for the whole run.
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
	if cfg.Logger.OutputPath == "" {
		cfg.Logger.OutputPath = "stdout"
	}
	if cfg.Logger.ErrorPath == "" {
		cfg.Logger.ErrorPath = "stderr"
	}

	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = defaultConsumerGroup
	}
	if cfg.Kafka.DialTimeout == 0 {
		cfg.Kafka.DialTimeout = 10 * time.Second
	}

	if cfg.Pool.Size <= 0 {
		cfg.Pool.Size = 1
	}
	if cfg.Pool.Policy == "" {
		cfg.Pool.Policy = string(pool.PolicyBlock)
	}

	fillLimits(&cfg.Limits.Defaults, builtinRunLimits)
	fillLimits(&cfg.Limits.Compile, builtinCompileLimits)

	if cfg.Sandbox.WorkRoot == "" {
		cfg.Sandbox.WorkRoot = filepath.Join(os.TempDir(), "execbox")
	}
	if cfg.Sandbox.HelperPath == "" {
		cfg.Sandbox.HelperPath = "sandbox-init"
	}
	if cfg.Sandbox.Profiles == nil {
		cfg.Sandbox.Profiles = map[string]security.IsolationProfile{}
	}
	if _, ok := cfg.Sandbox.Profiles[security.ProfileCompile]; !ok {
		cfg.Sandbox.Profiles[security.ProfileCompile] = security.IsolationProfile{SeccompProfile: "compile.json", DisableNetwork: true}
	}
	if _, ok := cfg.Sandbox.Profiles[security.ProfileRun]; !ok {
		cfg.Sandbox.Profiles[security.ProfileRun] = security.IsolationProfile{SeccompProfile: "run.json", DisableNetwork: true}
	}

	if cfg.Intake.ResultTopic == "" {
		cfg.Intake.ResultTopic = defaultResultTopic
	}
	if cfg.Intake.SubmitTopic == "" {
		if topics := mq.ParseWeightedTopics(cfg.Intake.JobTopics); len(topics) > 0 {
			cfg.Intake.SubmitTopic = topics[0].Topic
		}
	}
	if cfg.Intake.JobTTL == 0 {
		cfg.Intake.JobTTL = defaultJobTTL
	}
	if cfg.Kafka.MessageTTL == 0 {
		cfg.Kafka.MessageTTL = cfg.Intake.JobTTL
	}
	if cfg.Intake.LedgerTTL == 0 {
		cfg.Intake.LedgerTTL = defaultLedgerTTL
	}
	if cfg.Intake.RetryTopic == "" {
		cfg.Intake.RetryTopic = cfg.Intake.SubmitTopic
	}
	if cfg.Intake.PoolRetryMax <= 0 {
		cfg.Intake.PoolRetryMax = 5
	}
	if cfg.Intake.PoolRetryBase == 0 {
		cfg.Intake.PoolRetryBase = time.Second
	}
	if cfg.Intake.PoolRetryMaxD == 0 {
		cfg.Intake.PoolRetryMaxD = 30 * time.Second
	}
}

var (
	builtinRunLimits = spec.ResourceLimit{
		CPUTimeMs:      2000,
		WallTimeMs:     5000,
		MemoryBytes:    256 << 20,
		MaxOutputBytes: 64 << 10,
		MaxProcesses:   32,
		MaxOpenFiles:   64,
		StackBytes:     8 << 20,
	}
	builtinCompileLimits = spec.ResourceLimit{
		CPUTimeMs:    10000,
		WallTimeMs:   20000,
		MemoryBytes:  512 << 20,
		MaxProcesses: 64,
		MaxOpenFiles: 256,
	}
)

// fillLimits sets every unset field of l from def.
func fillLimits(l *spec.ResourceLimit, def spec.ResourceLimit) {
	fields := []struct {
		dst *int64
		def int64
	}{
		{&l.CPUTimeMs, def.CPUTimeMs},
		{&l.WallTimeMs, def.WallTimeMs},
		{&l.MemoryBytes, def.MemoryBytes},
		{&l.MaxOutputBytes, def.MaxOutputBytes},
		{&l.MaxProcesses, def.MaxProcesses},
		{&l.MaxOpenFiles, def.MaxOpenFiles},
		{&l.StackBytes, def.StackBytes},
	}
	for _, f := range fields {
		if *f.dst <= 0 {
			*f.dst = f.def
		}
	}
}

func validate(cfg *AppConfig) error {
	switch pool.Policy(cfg.Pool.Policy) {
	case pool.PolicyBlock, pool.PolicyReject:
	default:
		return fmt.Errorf("pool.policy must be block or reject, got %q", cfg.Pool.Policy)
	}
	if cfg.Pool.QueueSize < 0 {
		return fmt.Errorf("pool.queueSize must be non-negative")
	}
	for key := range cfg.Languages {
		if _, err := profile.ParseLanguage(key); err != nil {
			return fmt.Errorf("languages.%s: unknown language", key)
		}
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}
	if cfg.kafkaEnabled() && len(mq.ParseWeightedTopics(cfg.Intake.JobTopics)) == 0 {
		return fmt.Errorf("intake.jobTopics is required when kafka is enabled")
	}
	if !cfg.Limits.Defaults.Within(cfg.Limits.Caps) {
		return fmt.Errorf("limits.defaults exceed limits.caps")
	}
	if cfg.Sandbox.EnableNamespaces || cfg.Sandbox.EnableSeccomp || cfg.Sandbox.EnableCgroup {
		if _, err := lookupHelper(cfg.Sandbox.HelperPath); err != nil {
			return fmt.Errorf("sandbox.helperPath: %w", err)
		}
	}
	if !cfg.Sandbox.EnableCgroup && !cfg.Sandbox.BestEffortMemory {
		return fmt.Errorf("sandbox.enableCgroup is required to enforce memory limits (set sandbox.bestEffortMemory to run without it)")
	}
	return nil
}

var execLookPath = exec.LookPath

func lookupHelper(path string) (string, error) {
	if strings.ContainsRune(path, os.PathSeparator) {
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return path, nil
	}
	return execLookPath(path)
}

func (c *AppConfig) kafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func (c *AppConfig) limitPolicy() coordinator.LimitPolicy {
	return coordinator.LimitPolicy{Defaults: c.Limits.Defaults, Caps: c.Limits.Caps, Compile: c.Limits.Compile}
}

func (c *AppConfig) retryPolicy() intake.RetryPolicy {
	return intake.RetryPolicy{
		Topic:      c.Intake.RetryTopic,
		DeadLetter: c.Kafka.DeadLetter,
		MaxRetries: c.Intake.PoolRetryMax,
		BaseDelay:  c.Intake.PoolRetryBase,
		MaxDelay:   c.Intake.PoolRetryMaxD,
	}
}

func (r RedisConfig) toCacheConfig() *cache.RedisConfig {
	cfg := cache.DefaultRedisConfig()
	cfg.Addr = r.Addr
	cfg.Password = r.Password
	cfg.DB = r.DB
	if r.PoolSize > 0 {
		cfg.PoolSize = r.PoolSize
	}
	if r.DialTimeout > 0 {
		cfg.DialTimeout = r.DialTimeout
	}
	if r.ReadTimeout > 0 {
		cfg.ReadTimeout = r.ReadTimeout
	}
	if r.WriteTimeout > 0 {
		cfg.WriteTimeout = r.WriteTimeout
	}
	if r.ConnMaxIdleTime > 0 {
		cfg.ConnMaxIdleTime = r.ConnMaxIdleTime
	}
	return cfg
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	cfg := mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		ReadTimeout:  k.ReadTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
	}
	cfg.Compression = parseCompression(k.Compression)
	return cfg
}

func (k KafkaConfig) subscribeOptions() *mq.SubscribeOptions {
	return &mq.SubscribeOptions{
		ConsumerGroup:   k.ConsumerGroup,
		MaxRetries:      k.MaxRetries,
		RetryDelay:      k.RetryDelay,
		DeadLetterTopic: k.DeadLetter,
		MessageTTL:      k.MessageTTL,
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

func (s SandboxConfig) toEngineConfig() engine.Config {
	return engine.Config{
		CgroupRoot:       s.CgroupRoot,
		SeccompDir:       s.SeccompDir,
		HelperPath:       s.HelperPath,
		EnableSeccomp:    s.EnableSeccomp,
		EnableCgroup:     s.EnableCgroup,
		EnableNamespaces: s.EnableNamespaces,
		CPUPollInterval:  s.CPUPollInterval,
		KillGrace:        s.KillGrace,
		MaxFileBytes:     s.MaxFileBytes,
	}
}

func (s SandboxConfig) toWorkspaceConfig() workspace.Config {
	return workspace.Config{
		WorkRoot: s.WorkRoot,
		BaseUID:  s.BaseUID,
		BaseGID:  s.BaseGID,
		Count:    s.Identities,
	}
}
