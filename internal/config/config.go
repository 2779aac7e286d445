package config

import "time"

const (
	QueueBackendMemory = "memory"
	QueueBackendRedis  = "redis"
)

// Config is resolved once at process start and passed down by injection.
// Nothing below re-reads the environment after this point.
type Config struct {
	Addr   string
	DBPath string

	Provider        string
	AnthropicAPIKey string
	Model           string
	MaxOutputTokens int

	MaxSteps     int
	SnippetLines int

	RunnerCommand  []string
	CheckerCommand []string
	WorkDir        string
	ExecTimeout    time.Duration

	TickInterval time.Duration

	QueueBackend string
	RedisAddr    string
}

func FromEnv() Config {
	return Config{
		Addr:   ParseStringEnv("LOOM_ADDR", ":8080"),
		DBPath: ParseStringEnv("LOOM_DB", "./data/loom.db"),

		Provider:        ParseStringEnv("LOOM_PROVIDER", "anthropic"),
		AnthropicAPIKey: ParseStringEnv("ANTHROPIC_API_KEY", ""),
		Model:           ParseStringEnv("LOOM_MODEL", ""),
		MaxOutputTokens: ParseIntEnv("LOOM_MAX_OUTPUT_TOKENS", 0),

		MaxSteps:     ParseIntEnv("LOOM_MAX_STEPS", 8),
		SnippetLines: ParseIntEnv("LOOM_SNIPPET_LINES", 10),

		RunnerCommand:  ParseCommandEnv("LOOM_RUNNER", []string{"node"}),
		CheckerCommand: ParseCommandEnv("LOOM_CHECKER", []string{"node", "--check"}),
		WorkDir:        ParseStringEnv("LOOM_WORK_DIR", ""),
		ExecTimeout:    ParseDurationEnv("LOOM_EXEC_TIMEOUT", 2*time.Minute),

		TickInterval: ParseDurationEnv("LOOM_TICK_INTERVAL", time.Minute),

		QueueBackend: ParseStringEnv("LOOM_QUEUE", QueueBackendMemory),
		RedisAddr:    ParseStringEnv("LOOM_REDIS_ADDR", "127.0.0.1:6379"),
	}
}
