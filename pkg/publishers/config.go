package publishers

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// Supported publisher types.
	TypeSQS       = "sqs"
	TypeSNS       = "sns"
	TypeGCPPubSub = "gcp_pubsub"
	TypeHTTP      = "http"

	httpDefaultMethod         = "POST"
	httpDefaultTimeoutSeconds = 5
)

// configFile is the layout of the publishers file.
type configFile struct {
	Publishers []PublisherConfig `json:"publishers" yaml:"publishers"`
}

// PublisherConfig declares one mirror.
type PublisherConfig struct {
	ID        string                    `json:"id" yaml:"id"`
	Type      string                    `json:"type" yaml:"type"`
	Enabled   *bool                     `json:"enabled" yaml:"enabled"`
	SQS       *SQSPublisherConfig       `json:"sqs" yaml:"sqs"`
	SNS       *SNSPublisherConfig       `json:"sns" yaml:"sns"`
	GCPPubSub *GCPPubSubPublisherConfig `json:"gcp_pubsub" yaml:"gcp_pubsub"`
	HTTP      *HTTPPublisherConfig      `json:"http" yaml:"http"`
}

// AWSAccess holds optional static credentials and an endpoint override.
// Empty fields fall back to the default AWS credential chain and endpoint.
type AWSAccess struct {
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string `json:"session_token" yaml:"session_token"`
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
}

// SQSPublisherConfig holds AWS SQS settings. A queue URL ending in .fifo
// switches on message group and deduplication ids.
type SQSPublisherConfig struct {
	QueueURL  string `json:"uri" yaml:"uri"`
	Region    string `json:"region" yaml:"region"`
	AWSAccess `json:",inline" yaml:",inline"`
}

// SNSPublisherConfig holds AWS SNS settings.
type SNSPublisherConfig struct {
	TopicARN  string `json:"topic_arn" yaml:"topic_arn"`
	Region    string `json:"region" yaml:"region"`
	AWSAccess `json:",inline" yaml:",inline"`
}

// GCPPubSubPublisherConfig holds Google Cloud Pub/Sub settings.
type GCPPubSubPublisherConfig struct {
	ProjectID       string `json:"project_id" yaml:"project_id"`
	Topic           string `json:"topic" yaml:"topic"`
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
}

// HTTPPublisherConfig holds webhook settings.
type HTTPPublisherConfig struct {
	URL            string            `json:"url" yaml:"url"`
	Method         string            `json:"method" yaml:"method"`
	Headers        map[string]string `json:"headers" yaml:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// LoadConfigs reads a YAML or JSON publishers file and returns its entries
// normalized and validated, in file order. Ids must be unique.
func LoadConfigs(path string) ([]PublisherConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("publishers file path is empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read publishers file: %w", err)
	}

	var file configFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(raw, &file)
	default:
		err = yaml.Unmarshal(raw, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("decode publishers file %s: %w", filepath.Base(path), err)
	}
	if len(file.Publishers) == 0 {
		return nil, errors.New("publishers file contains no publishers entries")
	}

	seen := make(map[string]struct{}, len(file.Publishers))
	out := make([]PublisherConfig, 0, len(file.Publishers))
	for i, cfg := range file.Publishers {
		cfg = sanitizePublisherConfig(cfg)
		if err := validatePublisherConfig(cfg); err != nil {
			return nil, fmt.Errorf("publishers[%d]: %w", i, err)
		}
		if _, dup := seen[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate publisher id %q", cfg.ID)
		}
		seen[cfg.ID] = struct{}{}
		out = append(out, cfg)
	}
	return out, nil
}

// Enabled keeps the entries that are switched on. A missing flag means on.
func Enabled(cfgs []PublisherConfig) []PublisherConfig {
	out := make([]PublisherConfig, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Enabled == nil || *cfg.Enabled {
			out = append(out, cfg)
		}
	}
	return out
}

// sanitizePublisherConfig trims fields and fills webhook defaults.
func sanitizePublisherConfig(cfg PublisherConfig) PublisherConfig {
	cfg.ID = strings.TrimSpace(cfg.ID)
	cfg.Type = strings.ToLower(strings.TrimSpace(cfg.Type))

	if c := cfg.SQS; c != nil {
		cp := *c
		cp.QueueURL = strings.TrimSpace(cp.QueueURL)
		cp.Region = strings.TrimSpace(cp.Region)
		cp.AWSAccess = cp.AWSAccess.trimmed()
		cfg.SQS = &cp
	}
	if c := cfg.SNS; c != nil {
		cp := *c
		cp.TopicARN = strings.TrimSpace(cp.TopicARN)
		cp.Region = strings.TrimSpace(cp.Region)
		cp.AWSAccess = cp.AWSAccess.trimmed()
		cfg.SNS = &cp
	}
	if c := cfg.GCPPubSub; c != nil {
		cp := *c
		cp.ProjectID = strings.TrimSpace(cp.ProjectID)
		cp.Topic = strings.TrimSpace(cp.Topic)
		cp.CredentialsFile = strings.TrimSpace(cp.CredentialsFile)
		cfg.GCPPubSub = &cp
	}
	if c := cfg.HTTP; c != nil {
		cp := *c
		cp.URL = strings.TrimSpace(cp.URL)
		cp.Method = strings.ToUpper(strings.TrimSpace(cp.Method))
		if cp.Method == "" {
			cp.Method = httpDefaultMethod
		}
		if cp.TimeoutSeconds <= 0 {
			cp.TimeoutSeconds = httpDefaultTimeoutSeconds
		}
		headers := make(map[string]string, len(cp.Headers))
		for k, v := range cp.Headers {
			if k, v = strings.TrimSpace(k), strings.TrimSpace(v); k != "" && v != "" {
				headers[k] = v
			}
		}
		cp.Headers = headers
		cfg.HTTP = &cp
	}
	return cfg
}

func (a AWSAccess) trimmed() AWSAccess {
	a.AccessKeyID = strings.TrimSpace(a.AccessKeyID)
	a.SecretAccessKey = strings.TrimSpace(a.SecretAccessKey)
	a.SessionToken = strings.TrimSpace(a.SessionToken)
	a.Endpoint = strings.TrimSpace(a.Endpoint)
	return a
}

func (a AWSAccess) validate(id string) error {
	if a.AccessKeyID != "" && a.SecretAccessKey == "" {
		return fmt.Errorf("secret_access_key is required with access_key_id for publisher %q", id)
	}
	return nil
}

// validatePublisherConfig checks the block matching the declared type.
func validatePublisherConfig(cfg PublisherConfig) error {
	if cfg.ID == "" {
		return errors.New("id is required")
	}
	missing := func(field string) error {
		return fmt.Errorf("%s is required for publisher %q", field, cfg.ID)
	}

	switch cfg.Type {
	case "":
		return missing("type")
	case TypeSQS:
		switch {
		case cfg.SQS == nil:
			return missing("sqs config")
		case cfg.SQS.QueueURL == "":
			return missing("sqs.uri")
		case cfg.SQS.Region == "":
			return missing("sqs.region")
		}
		return cfg.SQS.AWSAccess.validate(cfg.ID)
	case TypeSNS:
		switch {
		case cfg.SNS == nil:
			return missing("sns config")
		case cfg.SNS.TopicARN == "":
			return missing("sns.topic_arn")
		case cfg.SNS.Region == "":
			return missing("sns.region")
		}
		return cfg.SNS.AWSAccess.validate(cfg.ID)
	case TypeGCPPubSub:
		if cfg.GCPPubSub == nil {
			return missing("gcp_pubsub config")
		}
		if cfg.GCPPubSub.ProjectID == "" || cfg.GCPPubSub.Topic == "" {
			return missing("gcp_pubsub.project_id and gcp_pubsub.topic")
		}
	case TypeHTTP:
		if cfg.HTTP == nil {
			return missing("http config")
		}
		if cfg.HTTP.URL == "" {
			return missing("http.url")
		}
	default:
		return fmt.Errorf("unsupported publisher type %q for publisher %q", cfg.Type, cfg.ID)
	}
	return nil
}
