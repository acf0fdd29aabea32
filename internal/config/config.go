package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	QueueModeInProc = "inproc"
	QueueModeKafka  = "kafka"

	StorageModeMemory   = "memory"
	StorageModePostgres = "postgres"
)

type Config struct {
	Server    Server    `yaml:"server" json:"server"`
	Storage   Storage   `yaml:"storage" json:"storage"`
	Queue     Queue     `yaml:"queue" json:"queue"`
	Mail      Mail      `yaml:"mail" json:"mail"`
	Alert     Alert     `yaml:"alert" json:"alert"`
	Auth      Auth      `yaml:"auth" json:"auth"`
	Signature Signature `yaml:"signature" json:"signature"`
	Scheduler Scheduler `yaml:"scheduler" json:"scheduler"`
	Script    Script    `yaml:"script" json:"script"`
	// FrontendURL is the base used when emails link back to the app.
	FrontendURL string `yaml:"frontendUrl" json:"frontendUrl" env:"FRONTEND_URL"`
}

type Server struct {
	Addr string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
}

// Tenant maps one tenant name to its own database.
type Tenant struct {
	Name string `yaml:"name" json:"name"`
	DSN  string `yaml:"dsn" json:"dsn"`
}

type Storage struct {
	// Mode selects the backing store: memory or postgres.
	Mode    string   `yaml:"mode" json:"mode" env:"STORAGE_MODE" env-default:"memory"`
	Tenants []Tenant `yaml:"tenants" json:"tenants"`
}

type Queue struct {
	// Mode selects task delivery: inproc or kafka.
	Mode        string   `yaml:"mode" json:"mode" env:"QUEUE_MODE" env-default:"inproc"`
	Brokers     []string `yaml:"brokers" json:"brokers" env:"QUEUE_BROKERS"`
	GroupID     string   `yaml:"groupId" json:"groupId" env:"QUEUE_GROUP_ID" env-default:"flowdesk-workers"`
	Workers     int      `yaml:"workers" json:"workers" env:"QUEUE_WORKERS" env-default:"4"`
	MaxAttempts int      `yaml:"maxAttempts" json:"maxAttempts" env:"QUEUE_MAX_ATTEMPTS" env-default:"3"`
}

type Mail struct {
	Host     string `yaml:"host" json:"host" env:"MAIL_HOST"`
	Port     int    `yaml:"port" json:"port" env:"MAIL_PORT" env-default:"587"`
	Username string `yaml:"username" json:"username" env:"MAIL_USERNAME"`
	Password string `yaml:"password" json:"password" env:"MAIL_PASSWORD"`
	From     string `yaml:"from" json:"from" env:"MAIL_FROM"`
}

type Alert struct {
	// WebhookURL receives error cards when steps fail. Empty disables
	// alerting.
	WebhookURL string `yaml:"webhookUrl" json:"webhookUrl" env:"ALERT_WEBHOOK_URL"`
}

type Auth struct {
	// Secret signs and verifies the JWTs issued to API callers.
	Secret string `yaml:"secret" json:"secret" env:"AUTH_SECRET"`
}

type Signature struct {
	BaseURL string `yaml:"baseUrl" json:"baseUrl" env:"SIGNATURE_BASE_URL"`
	Token   string `yaml:"token" json:"token" env:"SIGNATURE_TOKEN"`
}

type Scheduler struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"SCHEDULER_ENABLED" env-default:"true"`
	// Interval is how often due schedules and deadlines are swept.
	Interval time.Duration `yaml:"interval" json:"interval" env:"SCHEDULER_INTERVAL" env-default:"60s"`
}

type Script struct {
	MaxPoolSize int           `yaml:"maxPoolSize" json:"maxPoolSize" env:"SCRIPT_MAX_POOL_SIZE" env-default:"8"`
	MinPoolSize int           `yaml:"minPoolSize" json:"minPoolSize" env:"SCRIPT_MIN_POOL_SIZE" env-default:"1"`
	Budget      time.Duration `yaml:"budget" json:"budget" env:"SCRIPT_BUDGET" env-default:"120s"`
}

func (c Config) defaults() Config {
	if len(c.Storage.Tenants) == 0 {
		c.Storage.Tenants = []Tenant{{Name: "default"}}
	}
	return c
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c.defaults()
}
