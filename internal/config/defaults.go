package config

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Dimension probe modes.
const (
	ProbeTool   = "tool"
	ProbeHeader = "header"
)

// DefaultBrainExtractionThreshold is the fractional intensity threshold passed to bet.
const DefaultBrainExtractionThreshold = 0.3

// DefaultTensorOffsets locate Dxx, Dyy, Dzz within dtifit's tensor volume,
// which stores the upper triangle as Dxx, Dxy, Dxz, Dyy, Dyz, Dzz.
var DefaultTensorOffsets = []int{0, 3, 5}

const (
	defaultConfigPath         = "~/.config/alps/config.toml"
	defaultWorkDir            = "~/.local/share/alps/work"
	defaultUploadDir          = "~/.local/share/alps/uploads"
	defaultStateDir           = "~/.local/share/alps"
	defaultLogDir             = "~/.local/share/alps/logs"
	defaultAPIBind            = "127.0.0.1:8000"
	defaultRedisURL           = "redis://localhost:6379/0"
	defaultRedisPrefix        = "alps"
	defaultMaxConcurrentTools = 2
	defaultForwardPattern     = "*_AP*"
	defaultReversePattern     = "*_PA*"
	defaultReadoutTime        = 0.05
	defaultROIOffset          = 15
	defaultROIRadius          = 1
	defaultWorkers            = 1
	defaultQueueDepth         = 64
	defaultRunTimeoutSeconds  = 7200
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultLogRetentionDays   = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir:   defaultWorkDir,
			UploadDir: defaultUploadDir,
			StateDir:  defaultStateDir,
			LogDir:    defaultLogDir,
			APIBind:   defaultAPIBind,
		},
		Store: Store{
			Backend:     BackendSQLite,
			RedisPrefix: defaultRedisPrefix,
		},
		Tools: Tools{
			Dcm2niix:      "dcm2niix",
			Dwidenoise:    "dwidenoise",
			Mrdegibbs:     "mrdegibbs",
			Mrinfo:        "mrinfo",
			Fslroi:        "fslroi",
			Fslmerge:      "fslmerge",
			Topup:         "topup",
			Applytopup:    "applytopup",
			Bet:           "bet",
			Dtifit:        "dtifit",
			MaxConcurrent: defaultMaxConcurrentTools,
			Probe:         ProbeTool,
		},
		Pipeline: Pipeline{
			DistortionCorrection: true,
			ForwardPattern:       defaultForwardPattern,
			ReversePattern:       defaultReversePattern,
			ReadoutTime:          defaultReadoutTime,
			BetThreshold:         DefaultBrainExtractionThreshold,
			TensorOffsets:        append([]int(nil), DefaultTensorOffsets...),
		},
		ALPS: ALPS{
			ROIOffset: defaultROIOffset,
			ROIRadius: defaultROIRadius,
		},
		Workflow: Workflow{
			Workers:    defaultWorkers,
			QueueDepth: defaultQueueDepth,
			RunTimeout: defaultRunTimeoutSeconds,
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			Completed:      true,
			Failed:         true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
