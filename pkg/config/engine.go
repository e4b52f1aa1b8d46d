package config

import "time"

// EngineConfig holds runtime configuration for the rollout engine.
type EngineConfig struct {
	Environment string
	Addr        string
	LogLevel    string

	DatabaseURL   string
	MigrationsDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AWSRegion        string
	ECSCluster       string
	ExecutionRoleArn string
	TaskRoleArn      string
	VpcID            string
	SubnetIDs        string
	SecurityGroupIDs string
	HostedZoneID     string
	DomainSuffix     string
	SharedIngress    string
	EventBusName     string
	EngineTargetArn  string

	EventTTL          time.Duration
	EventSweepEvery   time.Duration
	ProvisionTimeout  time.Duration
	DeployQueueSize   int
	LogPollInterval   time.Duration
	LogPollMaxFails   int
	LogBufferCapacity int
	LogBufferIdleTTL  time.Duration
}

// LoadEngineConfig constructs an EngineConfig from environment variables.
func LoadEngineConfig() EngineConfig {
	return EngineConfig{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("ENGINE_ADDR", ":4000"),
		LogLevel:    GetString("LOG_LEVEL", "info"),

		DatabaseURL:   GetString("DATABASE_URL", "postgres://otto:otto@db:5432/otto?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		RedisAddr:     GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),

		AWSRegion:        GetString("AWS_REGION", "ap-northeast-2"),
		ECSCluster:       GetString("ECS_CLUSTER", "otto-apps"),
		ExecutionRoleArn: GetString("ECS_EXECUTION_ROLE_ARN", ""),
		TaskRoleArn:      GetString("ECS_TASK_ROLE_ARN", ""),
		VpcID:            GetString("VPC_ID", ""),
		SubnetIDs:        GetString("SUBNET_IDS", ""),
		SecurityGroupIDs: GetString("SECURITY_GROUP_IDS", ""),
		HostedZoneID:     GetString("HOSTED_ZONE_ID", ""),
		DomainSuffix:     GetString("DEPLOY_DOMAIN_SUFFIX", ".deploy.otto.dev"),
		SharedIngress:    GetString("SHARED_INGRESS_NAME", "otto-shared-alb"),
		EventBusName:     GetString("EVENT_BUS_NAME", "default"),
		EngineTargetArn:  GetString("ENGINE_EVENT_TARGET_ARN", ""),

		EventTTL:          GetSeconds("EVENT_TTL_SECONDS", time.Hour),
		EventSweepEvery:   GetSeconds("EVENT_SWEEP_SECONDS", 10*time.Minute),
		ProvisionTimeout:  GetSeconds("PROVISION_TIMEOUT_SECONDS", 30*time.Second),
		DeployQueueSize:   GetInt("DEPLOY_QUEUE_SIZE", 64),
		LogPollInterval:   GetSeconds("LOG_POLL_INTERVAL_SECONDS", time.Second),
		LogPollMaxFails:   GetInt("LOG_POLL_MAX_FAILURES", 5),
		LogBufferCapacity: GetInt("LOG_BUFFER_CAPACITY", 1000),
		LogBufferIdleTTL:  GetSeconds("LOG_BUFFER_IDLE_TTL_SECONDS", 30*time.Minute),
	}
}
