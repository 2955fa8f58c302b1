package config

// DefaultLimits returns the built-in budget and threshold values. User
// configuration is merged on top, non-zero values overriding.
func DefaultLimits() Limits {
	return Limits{
		MaxReplanDepth:        5,
		MaxValidationRetries:  3,
		MaxLLMCallsPerMessage: 200,
		ExecTimeoutSecs:       120,
		MaxOutputBytes:        1 << 20,
		WorkerIdleTimeoutSecs: 300,
		QueueSize:             64,
		SummarizeThreshold:    30,
		KnowledgeMaxFacts:     50,
		FactDecayDays:         14,
		FactDecayRate:         0.1,
		FactArchiveThreshold:  0.2,
	}
}

// DefaultServer returns the built-in HTTP surface settings.
func DefaultServer() Server {
	return Server{
		ListenAddr: ":8420",
		BaseURL:    "http://localhost:8420",
	}
}

// DefaultLLM returns the built-in provider settings.
func DefaultLLM() LLM {
	return LLM{
		BaseURL:   "https://api.openai.com/v1",
		APIKeyEnv: "KISO_LLM_API_KEY",
	}
}
