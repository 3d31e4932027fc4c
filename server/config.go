package server

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config represents the server configuration
type Config struct {
	Server struct {
		HTTPPort int `yaml:"http_port"`
	} `yaml:"server"`
	AWS struct {
		Region          string `yaml:"region"`
		Endpoint        string `yaml:"endpoint"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
		DynamoDB        struct {
			TableName string `yaml:"table_name"`
		} `yaml:"dynamodb"`
		S3 struct {
			BucketName string `yaml:"bucket_name"`
			URLExpiry  int    `yaml:"url_expiry"`
		} `yaml:"s3"`
		ElastiCache struct {
			Address string `yaml:"address"`
			TTL     int    `yaml:"ttl"`
		} `yaml:"elasticache"`
	} `yaml:"aws"`
}

// LoadConfig loads the configuration from a file
func LoadConfig(path string) (*Config, error) {
	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	// Parse the YAML
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	applyEnvOverrides(&config)

	// Set defaults
	if config.Server.HTTPPort == 0 {
		config.Server.HTTPPort = 8080
	}
	if config.AWS.Region == "" {
		config.AWS.Region = "us-east-1"
	}
	if config.AWS.DynamoDB.TableName == "" {
		config.AWS.DynamoDB.TableName = "images"
	}
	if config.AWS.S3.BucketName == "" {
		config.AWS.S3.BucketName = "images"
	}
	if config.AWS.S3.URLExpiry == 0 {
		config.AWS.S3.URLExpiry = 900
	}
	if config.AWS.ElastiCache.TTL == 0 {
		config.AWS.ElastiCache.TTL = 3600
	}

	return &config, nil
}

// applyEnvOverrides lets the deployment environment override file values.
func applyEnvOverrides(config *Config) {
	config.AWS.Region = getEnv("AWS_REGION", config.AWS.Region)
	config.AWS.Endpoint = getEnv("AWS_ENDPOINT_URL", config.AWS.Endpoint)
	config.AWS.DynamoDB.TableName = getEnv("TABLE_NAME", config.AWS.DynamoDB.TableName)
	config.AWS.S3.BucketName = getEnv("BUCKET_NAME", config.AWS.S3.BucketName)
	if v := os.Getenv("URL_EXPIRY"); v != "" {
		if expiry, err := strconv.Atoi(v); err == nil && expiry > 0 {
			config.AWS.S3.URLExpiry = expiry
		}
	}
}

// getEnv returns the value of an environment variable or a fallback
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
