package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервиса.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"UTC"`
	Port   int    `envconfig:"PORT" default:"8080"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	// LLM выбирает провайдера модели при старте. Набор провайдеров закрыт:
	// openai | openrouter | gemini | stub.
	LLM struct {
		Provider string        `envconfig:"LLM_PROVIDER" default:"openai"`
		Timeout  time.Duration `envconfig:"LLM_TIMEOUT" default:"60s"`

		OpenAI struct {
			APIKey  string `envconfig:"OPENAI_API_KEY"`
			BaseURL string `envconfig:"OPENAI_BASE_URL"`
			Model   string `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`
		} `envconfig:""`

		OpenRouter struct {
			APIKey          string `envconfig:"OPENROUTER_API_KEY"`
			Model           string `envconfig:"OPENROUTER_MODEL" default:"openai/gpt-4.1-mini"`
			ReasoningEffort string `envconfig:"OPENROUTER_REASONING_EFFORT"`
		} `envconfig:""`

		Gemini struct {
			APIKey string `envconfig:"GEMINI_API_KEY"`
			Model  string `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
		} `envconfig:""`
	} `envconfig:""`

	Ingest struct {
		FeedMaxItems   int           `envconfig:"INGEST_FEED_MAX_ITEMS" default:"30"`
		VideoMaxItems  int           `envconfig:"INGEST_VIDEO_MAX_ITEMS" default:"10"`
		SocialMaxItems int           `envconfig:"INGEST_SOCIAL_MAX_ITEMS" default:"20"`
		WindowHours    int           `envconfig:"INGEST_WINDOW_HOURS" default:"48"`
		Parallelism    int           `envconfig:"INGEST_PARALLELISM" default:"4"`
		SourceTimeout  time.Duration `envconfig:"INGEST_SOURCE_TIMEOUT" default:"30s"`
		SearchBaseURL  string        `envconfig:"SEARCH_BASE_URL"`
		SearchAPIKey   string        `envconfig:"SEARCH_API_KEY"`
	} `envconfig:""`

	AI struct {
		BatchSize  int           `envconfig:"AI_BATCH_SIZE" default:"10"`
		RunTimeout time.Duration `envconfig:"AI_RUN_TIMEOUT" default:"900s"`
		RateDelay  time.Duration `envconfig:"AI_RATE_DELAY" default:"1s"`
	} `envconfig:""`

	Brief struct {
		MaxItems           int           `envconfig:"BRIEF_MAX_ITEMS" default:"15"`
		MaxPerTopic        int           `envconfig:"BRIEF_MAX_PER_TOPIC" default:"3"`
		LookbackHours      int           `envconfig:"BRIEF_LOOKBACK_HOURS" default:"48"`
		TopicDigestTimeout time.Duration `envconfig:"BRIEF_TOPIC_DIGEST_TIMEOUT" default:"60s"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
