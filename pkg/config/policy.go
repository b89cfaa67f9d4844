package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/ndagate/pkg/agreements"
	"github.com/Mindburn-Labs/ndagate/pkg/limiter"
	"github.com/Mindburn-Labs/ndagate/pkg/requests"
	"github.com/Mindburn-Labs/ndagate/pkg/scheduler"
)

// Duration is a time.Duration written as a Go duration string ("72h").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	if v < 0 {
		return fmt.Errorf("line %d: negative duration %q", node.Line, s)
	}
	*d = Duration(v)
	return nil
}

// Policy is the lifecycle policy file.
type Policy struct {
	SweepInterval         Duration       `yaml:"sweep_interval"`
	SweepEntityTimeout    Duration       `yaml:"sweep_entity_timeout"`
	SweepBatchSize        int            `yaml:"sweep_batch_size"`
	PendingRequestTTL     Duration       `yaml:"pending_request_ttl"`
	DraftGraceWindow      Duration       `yaml:"draft_grace_window"`
	DefaultAccessDuration Duration       `yaml:"default_access_duration"`
	SubmitRate            limiter.Policy `yaml:"submit_rate"`
}

// DefaultPolicy returns the policy used when no file is configured.
func DefaultPolicy() *Policy {
	sweep := scheduler.DefaultConfig()
	req := requests.DefaultPolicy()
	agr := agreements.DefaultPolicy()
	return &Policy{
		SweepInterval:         Duration(sweep.Interval),
		SweepEntityTimeout:    Duration(sweep.EntityTimeout),
		SweepBatchSize:        sweep.BatchSize,
		PendingRequestTTL:     Duration(req.PendingTTL),
		DraftGraceWindow:      Duration(agr.DraftGraceWindow),
		DefaultAccessDuration: Duration(agr.DefaultAccessDuration),
		SubmitRate:            req.SubmitRate,
	}
}

// LoadPolicy reads a YAML policy. Keys missing from the file keep their
// defaults; a missing file yields the defaults.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy %q: %w", path, err)
	}
	if p.SweepBatchSize <= 0 {
		return nil, fmt.Errorf("parse policy %q: sweep_batch_size must be positive", path)
	}
	if p.SweepInterval <= 0 {
		return nil, fmt.Errorf("parse policy %q: sweep_interval must be positive", path)
	}
	return p, nil
}

// Requests returns the request manager policy.
func (p *Policy) Requests() requests.Policy {
	return requests.Policy{
		PendingTTL: time.Duration(p.PendingRequestTTL),
		SubmitRate: p.SubmitRate,
	}
}

// Agreements returns the ledger policy.
func (p *Policy) Agreements() agreements.Policy {
	return agreements.Policy{
		DraftGraceWindow:      time.Duration(p.DraftGraceWindow),
		DefaultAccessDuration: time.Duration(p.DefaultAccessDuration),
	}
}

// Scheduler returns the sweep configuration.
func (p *Policy) Scheduler() scheduler.Config {
	return scheduler.Config{
		Interval:      time.Duration(p.SweepInterval),
		EntityTimeout: time.Duration(p.SweepEntityTimeout),
		BatchSize:     p.SweepBatchSize,
	}
}
