package publishers

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, raw string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestLoadConfigsEnabledFilter(t *testing.T) {
	path := writeFile(t, "publishers.yaml", `
publishers:
  - id: archive-copy
    type: http
    enabled: false
    http:
      url: https://example.com/copy
  - id: analytics
    type: HTTP
    http:
      url: " https://example.com/analytics "
      headers:
        X-Empty: "  "
`)
	cfgs, err := LoadConfigs(path)
	if err != nil {
		t.Fatalf("LoadConfigs: %v", err)
	}
	enabled := Enabled(cfgs)
	if len(enabled) != 1 || enabled[0].ID != "analytics" {
		t.Fatalf("expected only analytics enabled, got %#v", enabled)
	}
	hook := enabled[0].HTTP
	if hook.URL != "https://example.com/analytics" || hook.Method != "POST" || hook.TimeoutSeconds != 5 {
		t.Fatalf("webhook defaults not applied: %#v", hook)
	}
	if len(hook.Headers) != 0 {
		t.Fatalf("blank header should be dropped: %#v", hook.Headers)
	}
}

func TestLoadConfigsCloudMirrors(t *testing.T) {
	path := writeFile(t, "publishers.yml", `
publishers:
  - id: sns-mirror
    type: SNS
    sns:
      topic_arn: " arn:aws:sns:us-east-1:000000000000:turns "
      region: us-east-1
      access_key_id: test
      secret_access_key: test
      endpoint: http://localhost:4566
  - id: pubsub-mirror
    type: gcp_pubsub
    gcp_pubsub:
      project_id: proj
      topic: turns
`)
	cfgs, err := LoadConfigs(path)
	if err != nil {
		t.Fatalf("LoadConfigs: %v", err)
	}
	if len(cfgs) != 2 || cfgs[0].Type != TypeSNS {
		t.Fatalf("unexpected configs %#v", cfgs)
	}
	sns := cfgs[0].SNS
	if sns.TopicARN != "arn:aws:sns:us-east-1:000000000000:turns" {
		t.Fatalf("topic arn not trimmed: %q", sns.TopicARN)
	}
	if sns.Endpoint != "http://localhost:4566" || sns.AccessKeyID != "test" {
		t.Fatalf("inline aws access not decoded: %#v", sns.AWSAccess)
	}
}

func TestLoadConfigsJSONAndDuplicates(t *testing.T) {
	path := writeFile(t, "publishers.json", `{"publishers":[
		{"id":"q","type":"sqs","sqs":{"uri":"https://example.com/q.fifo","region":"us-east-1"}},
		{"id":"q","type":"http","http":{"url":"https://example.com"}}
	]}`)
	if _, err := LoadConfigs(path); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestLoadConfigsMissingFile(t *testing.T) {
	_, err := LoadConfigs(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestValidatePublisherConfig(t *testing.T) {
	cases := map[string]PublisherConfig{
		"missing http block": {ID: "h1", Type: TypeHTTP},
		"unknown type":       {ID: "k", Type: "kafka"},
		"half credentials": {ID: "q", Type: TypeSQS, SQS: &SQSPublisherConfig{
			QueueURL:  "https://example.com/q",
			Region:    "us-east-1",
			AWSAccess: AWSAccess{AccessKeyID: "only-key"},
		}},
		"sns without region":   {ID: "s", Type: TypeSNS, SNS: &SNSPublisherConfig{TopicARN: "arn"}},
		"pubsub without topic": {ID: "p", Type: TypeGCPPubSub, GCPPubSub: &GCPPubSubPublisherConfig{ProjectID: "proj"}},
	}
	for name, cfg := range cases {
		if err := validatePublisherConfig(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
