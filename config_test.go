package melodix

import "testing"

func TestNodeConfigValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		cfg  NodeConfig
	}{
		{"missing host", NodeConfig{Port: 1, Password: "x", Identifier: "n"}},
		{"missing port", NodeConfig{Host: "h", Password: "x", Identifier: "n"}},
		{"missing password", NodeConfig{Host: "h", Port: 1, Identifier: "n"}},
		{"missing identifier", NodeConfig{Host: "h", Port: 1, Password: "x"}},
	}
	for _, c := range cases {
		if err := c.cfg.validate(); err == nil {
			t.Errorf("%s: validate() = nil, want ConfigError", c.name)
		}
	}
}

func TestNodeConfigWithDefaults(t *testing.T) {
	cfg := NodeConfig{Host: "h", Port: 1, Password: "x", Identifier: "n"}.withDefaults()
	if cfg.RetryAmount != 3 {
		t.Errorf("RetryAmount = %d, want 3", cfg.RetryAmount)
	}
	if cfg.ResumeTimeoutSeconds != 60 {
		t.Errorf("ResumeTimeoutSeconds = %d, want 60", cfg.ResumeTimeoutSeconds)
	}
	if cfg.Reconnect.MaxTries != 10 {
		t.Errorf("Reconnect.MaxTries = %d, want 10", cfg.Reconnect.MaxTries)
	}
}

func TestNodeConfigURLs(t *testing.T) {
	cfg := NodeConfig{Host: "lava.local", Port: 2333}
	if got, want := cfg.restBaseURL(), "http://lava.local:2333"; got != want {
		t.Errorf("restBaseURL() = %q, want %q", got, want)
	}
	if got, want := cfg.wsURL(), "ws://lava.local:2333/v4/websocket"; got != want {
		t.Errorf("wsURL() = %q, want %q", got, want)
	}

	cfg.Secure = true
	if got, want := cfg.restBaseURL(), "https://lava.local:2333"; got != want {
		t.Errorf("restBaseURL() = %q, want %q", got, want)
	}
	if got, want := cfg.wsURL(), "wss://lava.local:2333/v4/websocket"; got != want {
		t.Errorf("wsURL() = %q, want %q", got, want)
	}
}
