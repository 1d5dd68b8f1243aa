package config

// PolicyParams returns the policy parameters this configuration injects as
// policy_param facts. Rules fall back to policy_default for anything absent.
func (c *Config) PolicyParams() map[string]int64 {
	autoReplan := int64(0)
	if c.Campaign.AutoReplan {
		autoReplan = 1
	}
	return map[string]int64{
		"activation_threshold":      int64(c.Activation.Threshold),
		"activation_high_threshold": int64(c.Activation.HighThreshold),
		"verification_max_attempts": int64(c.Verification.MaxAttempts),
		"replan_failure_threshold":  int64(c.Campaign.ReplanFailureThreshold),
		"auto_replan":               autoReplan,
		"heartbeat_timeout_ms":      c.GetHeartbeatTimeout().Milliseconds(),
		"world_staleness_ms":        c.GetWorldStaleness().Milliseconds(),
	}
}
