package config

const (
	defaultStateDir                = "~/.va"
	defaultAPIBind                 = "127.0.0.1:7410"
	defaultComfyServer             = "http://127.0.0.1:8188"
	defaultRequestTimeoutSeconds   = 15
	defaultTimeoutTotalSeconds     = 1800
	defaultPollIntervalMillis      = 1000
	defaultStallNoNewOutputSeconds = 120
	defaultStallNoOutputSeconds    = 300
	defaultDownloadConcurrency     = 4
	defaultFaceProbeTimeoutSeconds = 120
	defaultRenderMaxWidth          = 1280
	defaultRenderMaxHeight         = 720
	defaultRenderWidth             = 1024
	defaultRenderHeight            = 576
	defaultNtfyTimeoutSeconds      = 10
	defaultLogFormat               = "console"
	defaultLogLevel                = "info"
)

var defaultRequiredNodes = []string{"LoadImage", "SaveImage"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			APIBind:  defaultAPIBind,
		},
		ComfyUI: ComfyUI{
			DefaultServer:           defaultComfyServer,
			RequestTimeoutSeconds:   defaultRequestTimeoutSeconds,
			TimeoutTotalSeconds:     defaultTimeoutTotalSeconds,
			PollIntervalMillis:      defaultPollIntervalMillis,
			StallNoNewOutputSeconds: defaultStallNoNewOutputSeconds,
			StallNoOutputSeconds:    defaultStallNoOutputSeconds,
			DownloadConcurrency:     defaultDownloadConcurrency,
			RequiredNodes:           append([]string(nil), defaultRequiredNodes...),
			FaceProbeTimeoutSeconds: defaultFaceProbeTimeoutSeconds,
		},
		Render: Render{
			MaxWidth:      defaultRenderMaxWidth,
			MaxHeight:     defaultRenderMaxHeight,
			DefaultWidth:  defaultRenderWidth,
			DefaultHeight: defaultRenderHeight,
		},
		FFmpeg: FFmpeg{
			FFmpegBinary:  "ffmpeg",
			FFprobeBinary: "ffprobe",
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNtfyTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
