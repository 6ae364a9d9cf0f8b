package config

const (
	defaultDataDir            = "~/.local/share/renderq"
	defaultLogDir             = "~/.local/share/renderq/logs"
	defaultDefsDir            = "~/.config/renderq/workflows"
	defaultComfyBaseURL       = "http://127.0.0.1:8188"
	defaultComfyInputDir      = "~/ComfyUI/input"
	defaultRequestTimeout     = 15
	defaultPollInterval       = 2
	defaultPollTimeout        = 7200
	defaultHealthcheckPath    = "/system_stats"
	defaultQueuePollInterval  = 1
	defaultErrorRetryInterval = 5
	defaultStagingMaxAgeHours = 72
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			DefsDir: defaultDefsDir,
		},
		Comfy: Comfy{
			BaseURL:         defaultComfyBaseURL,
			InputDir:        defaultComfyInputDir,
			RequestTimeout:  defaultRequestTimeout,
			PollInterval:    defaultPollInterval,
			PollTimeout:     defaultPollTimeout,
			HealthcheckPath: defaultHealthcheckPath,
		},
		Worker: Worker{
			QueuePollInterval:  defaultQueuePollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			BackoffSteps:       []int{5, 10, 30, 60},
			StagingMaxAgeHours: defaultStagingMaxAgeHours,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
