package model

import "time"

// Job is the static definition of what to run.
type Job struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Namespace         string            `json:"namespace"`
	Command           string            `json:"command"`
	Args              []string          `json:"args,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	TimeoutSecs       int               `json:"timeout_secs"`
	MaxRetries        int               `json:"max_retries"`
	RetryIntervalSecs int               `json:"retry_interval_secs"`
	CaptureOutput     bool              `json:"capture_output"`
	MaxOutputBytes    int64             `json:"max_output_bytes,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
	Limits            *ResourceLimits   `json:"limits,omitempty"`
	Enabled           bool              `json:"enabled"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// ResourceLimits are ceilings enforced by the agent while a task runs.
// Zero means unlimited.
type ResourceLimits struct {
	MaxMemoryMB   int64   `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty"`
	MaxCPUPercent float64 `json:"max_cpu_percent,omitempty" yaml:"max_cpu_percent,omitempty"`
}

// ExecConfig is the snapshot of a Job's execution settings copied onto every
// Task it produces, so later Job edits never change generated work.
type ExecConfig struct {
	Command           string            `json:"command"`
	Args              []string          `json:"args,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	TimeoutSecs       int               `json:"timeout_secs"`
	MaxRetries        int               `json:"max_retries"`
	RetryIntervalSecs int               `json:"retry_interval_secs"`
	CaptureOutput     bool              `json:"capture_output"`
	MaxOutputBytes    int64             `json:"max_output_bytes,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
	Limits            *ResourceLimits   `json:"limits,omitempty"`
}

// ExecConfig returns the execution snapshot of the job.
func (j *Job) ExecConfig() ExecConfig {
	return ExecConfig{
		Command:           j.Command,
		Args:              append([]string(nil), j.Args...),
		Env:               copyEnv(j.Env),
		TimeoutSecs:       j.TimeoutSecs,
		MaxRetries:        j.MaxRetries,
		RetryIntervalSecs: j.RetryIntervalSecs,
		CaptureOutput:     j.CaptureOutput,
		MaxOutputBytes:    j.MaxOutputBytes,
		Tags:              append([]string(nil), j.Tags...),
		Limits:            j.Limits,
	}
}

// RetryInterval is the delay before a retry attempt becomes dispatchable.
func (c ExecConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSecs) * time.Second
}

// Timeout is the execution timeout, zero for none.
func (c ExecConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

func copyEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
