package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/origin"
)

const (
	envVarConfigFile          = "AERO_WEBRTC_RENDER_STREAM_CONFIG"
	envVarWidth               = "AERO_WEBRTC_RENDER_STREAM_WIDTH"
	envVarHeight              = "AERO_WEBRTC_RENDER_STREAM_HEIGHT"
	envVarFPS                 = "AERO_WEBRTC_RENDER_STREAM_FPS"
	envVarBitrateKbps         = "AERO_WEBRTC_RENDER_STREAM_BITRATE_KBPS"
	envVarSignalingPort       = "AERO_WEBRTC_RENDER_STREAM_SIGNALING_PORT"
	envVarListenHost          = "AERO_WEBRTC_RENDER_STREAM_LISTEN_HOST"
	envVarLogFormat           = "AERO_WEBRTC_RENDER_STREAM_LOG_FORMAT"
	envVarLogLevel            = "AERO_WEBRTC_RENDER_STREAM_LOG_LEVEL"
	envVarShutdownTimeout     = "AERO_WEBRTC_RENDER_STREAM_SHUTDOWN_TIMEOUT"
	envVarMode                = "AERO_WEBRTC_RENDER_STREAM_MODE"
	envVarICEGatheringTimeout = "AERO_WEBRTC_RENDER_STREAM_ICE_GATHERING_TIMEOUT"
	envVarTrickleICE          = "AERO_WEBRTC_RENDER_STREAM_TRICKLE_ICE"
	envVarMailboxDepth        = "AERO_WEBRTC_RENDER_STREAM_MAILBOX_DEPTH"
	envVarEventQueueSize      = "AERO_WEBRTC_RENDER_STREAM_EVENT_QUEUE_SIZE"
	envVarAllowedOrigins      = "ALLOWED_ORIGINS"

	// Signaling WebSocket hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"
)

const (
	DefaultWidth         = 640
	DefaultHeight        = 480
	DefaultFPS           = 30.0
	DefaultBitrateKbps   = 1500
	DefaultSignalingPort = 8080
	DefaultListenHost    = ""

	DefaultMode Mode = ModeDev

	DefaultShutdown         = 15 * time.Second
	DefaultICEGatherTimeout = 2 * time.Second
	DefaultMailboxDepth     = 1
	DefaultEventQueueSize   = 64

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultWebRTCUDPListenIP = "0.0.0.0"

	// MaxDimension bounds width and height.
	MaxDimension = 8192
	// MinFPS and MaxFPS bound the frame rate.
	MinFPS = 0.001
	MaxFPS = 1000.0
	// MaxMailboxDepth bounds the outbound signaling queue.
	MaxMailboxDepth = 1024
)

const (
	flagConfig              = "config"
	flagWebRTCUDPPortMin    = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax    = "webrtc-udp-port-max"
	flagWebRTCNAT1To1IPs    = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPType = "webrtc-nat-1to1-ip-candidate-type"
	flagWebRTCUDPListenIP   = "webrtc-udp-listen-ip"
	flagLogFormat           = "log-format"
	flagLogLevel            = "log-level"
	flagMode                = "mode"
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum; running out of
// ports shows up as connectivity failures that are hard to diagnose.
const recommendedWebRTCUDPPortRangeSize = 100

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	// ConfigFile is the file the settings were layered on, if any.
	ConfigFile string

	Width       int
	Height      int
	FPS         float64
	BitrateKbps int

	ListenAddr     string
	AllowedOrigins []string

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// ICEGatheringTimeout bounds how long an offer waits for candidate
	// gathering when trickle ICE is off.
	ICEGatheringTimeout time.Duration
	TrickleICE          bool

	// MailboxDepth is the number of unsent signaling messages kept for the
	// peer. 1 keeps only the newest.
	MailboxDepth   int
	EventQueueSize int

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. Nil leaves port
	// selection to the OS.
	WebRTCUDPPortRange           *UDPPortRange
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType
	// WebRTCUDPListenIP restricts which local address ICE binds. 0.0.0.0 means
	// all interfaces.
	WebRTCUDPListenIP net.IP

	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. The process
// still starts (host candidates work without ICE servers) but reports not
// ready.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// values is the mutable set of raw settings that each configuration layer
// writes into before validation.
type values struct {
	width, height       int
	fps                 float64
	bitrateKbps         int
	signalingPort       uint
	listenHost          string
	allowedOrigins      string
	mode                string
	logFormat           string
	logLevel            string
	shutdownTimeout     time.Duration
	iceGatheringTimeout time.Duration
	trickleICE          bool
	mailboxDepth        int
	eventQueueSize      int

	signalingWSIdleTimeout        time.Duration
	signalingWSPingInterval       time.Duration
	maxSignalingMessageBytes      int64
	maxSignalingMessagesPerSecond int

	webrtcUDPPortMin           uint
	webrtcUDPPortMax           uint
	webrtcNAT1To1IPs           string
	webrtcNAT1To1CandidateType string
	webrtcUDPListenIP          string

	iceServersJSON string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string

	// logFormatSet/logLevelSet record an explicit choice so the mode-derived
	// default does not override it.
	logFormatSet bool
	logLevelSet  bool
}

func defaultValues() values {
	return values{
		width:                         DefaultWidth,
		height:                        DefaultHeight,
		fps:                           DefaultFPS,
		bitrateKbps:                   DefaultBitrateKbps,
		signalingPort:                 DefaultSignalingPort,
		listenHost:                    DefaultListenHost,
		mode:                          string(DefaultMode),
		shutdownTimeout:               DefaultShutdown,
		iceGatheringTimeout:           DefaultICEGatherTimeout,
		mailboxDepth:                  DefaultMailboxDepth,
		eventQueueSize:                DefaultEventQueueSize,
		signalingWSIdleTimeout:        DefaultSignalingWSIdleTimeout,
		signalingWSPingInterval:       DefaultSignalingWSPingInterval,
		maxSignalingMessageBytes:      DefaultMaxSignalingMessageBytes,
		maxSignalingMessagesPerSecond: DefaultMaxSignalingMessagesPerSecond,
		webrtcNAT1To1CandidateType:    string(NAT1To1CandidateTypeHost),
		webrtcUDPListenIP:             DefaultWebRTCUDPListenIP,
	}
}

// Load builds the configuration from, lowest precedence first: built-in
// defaults, the config file, environment variables, command-line flags.
//
// The config file is named by --config, the first positional argument, or
// AERO_WEBRTC_RENDER_STREAM_CONFIG.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	path, err := configFilePath(lookup, args)
	if err != nil {
		return Config{}, err
	}

	v := defaultValues()
	if path != "" {
		if err := loadFile(path, &v); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(lookup, &v); err != nil {
		return Config{}, err
	}

	fs := newFlagSet(&v, os.Stderr)
	// Registered for usage text; the value was consumed by configFilePath.
	fs.String(flagConfig, "", "Path to a TOML config file (env "+envVarConfigFile+"; may also be given as the first argument)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case flagLogFormat:
			v.logFormatSet = true
		case flagLogLevel:
			v.logLevelSet = true
		}
	})

	cfg, err := v.build()
	if err != nil {
		return Config{}, err
	}
	cfg.ConfigFile = path
	return cfg, nil
}

// configFilePath finds the config file before the real parse, so that file
// values can sit beneath env and flag values.
func configFilePath(lookup func(string) (string, bool), args []string) (string, error) {
	scratch := defaultValues()
	fs := newFlagSet(&scratch, io.Discard)
	var path string
	fs.StringVar(&path, flagConfig, envOrDefault(lookup, envVarConfigFile, ""), "")
	if err := fs.Parse(args); err != nil {
		// Reported with full usage by the real parse.
		return "", nil
	}
	switch fs.NArg() {
	case 0:
	case 1:
		if path != "" && fs.Arg(0) != path {
			return "", fmt.Errorf("config file given twice: --%s %q and argument %q", flagConfig, path, fs.Arg(0))
		}
		path = fs.Arg(0)
	default:
		return "", fmt.Errorf("unexpected arguments %q (expected at most one config file path)", fs.Args())
	}
	return strings.TrimSpace(path), nil
}

func newFlagSet(v *values, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("aero-webrtc-render-stream", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.IntVar(&v.width, "width", v.width, "Frame width in pixels (env "+envVarWidth+")")
	fs.IntVar(&v.height, "height", v.height, "Frame height in pixels (env "+envVarHeight+")")
	fs.Float64Var(&v.fps, "fps", v.fps, "Frames per second (env "+envVarFPS+")")
	fs.IntVar(&v.bitrateKbps, "bitrate-kbps", v.bitrateKbps, "Target video bitrate in kbit/s (env "+envVarBitrateKbps+")")
	fs.UintVar(&v.signalingPort, "signaling-port", v.signalingPort, "HTTP/WebSocket signaling port (env "+envVarSignalingPort+")")
	fs.StringVar(&v.listenHost, "listen-host", v.listenHost, "HTTP/WebSocket listen host (env "+envVarListenHost+")")
	fs.StringVar(&v.allowedOrigins, "allowed-origins", v.allowedOrigins, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&v.mode, flagMode, v.mode, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&v.logFormat, flagLogFormat, v.logFormat, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&v.logLevel, flagLogLevel, v.logLevel, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&v.shutdownTimeout, "shutdown-timeout", v.shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.DurationVar(&v.iceGatheringTimeout, "ice-gather-timeout", v.iceGatheringTimeout, "Max time to wait for ICE gathering before sending an offer (env "+envVarICEGatheringTimeout+")")
	fs.BoolVar(&v.trickleICE, "trickle-ice", v.trickleICE, "Send the offer immediately and trickle local candidates (env "+envVarTrickleICE+")")
	fs.IntVar(&v.mailboxDepth, "mailbox-depth", v.mailboxDepth, "Unsent signaling messages kept per peer; 1 keeps only the newest (env "+envVarMailboxDepth+")")
	fs.IntVar(&v.eventQueueSize, "event-queue-size", v.eventQueueSize, "Buffered transport and pipeline events (env "+envVarEventQueueSize+")")

	fs.DurationVar(&v.signalingWSIdleTimeout, "signaling-ws-idle-timeout", v.signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&v.signalingWSPingInterval, "signaling-ws-ping-interval", v.signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&v.maxSignalingMessageBytes, "max-signaling-message-bytes", v.maxSignalingMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&v.maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", v.maxSignalingMessagesPerSecond, "Max inbound signaling messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")

	fs.UintVar(&v.webrtcUDPPortMin, flagWebRTCUDPPortMin, v.webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&v.webrtcUDPPortMax, flagWebRTCUDPPortMax, v.webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&v.webrtcUDPListenIP, flagWebRTCUDPListenIP, v.webrtcUDPListenIP, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&v.webrtcNAT1To1IPs, flagWebRTCNAT1To1IPs, v.webrtcNAT1To1IPs, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&v.webrtcNAT1To1CandidateType, flagWebRTCNAT1To1IPType, v.webrtcNAT1To1CandidateType, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	fs.StringVar(&v.iceServersJSON, "ice-servers-json", v.iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&v.stunURLs, "stun-urls", v.stunURLs, "Comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&v.turnURLs, "turn-urls", v.turnURLs, "Comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&v.turnUsername, "turn-username", v.turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&v.turnCredential, "turn-credential", v.turnCredential, "TURN credential ("+envTurnCredential+")")
	return fs
}

func applyEnv(lookup func(string) (string, bool), v *values) error {
	var err error
	if v.width, err = envIntOrDefault(lookup, envVarWidth, v.width); err != nil {
		return err
	}
	if v.height, err = envIntOrDefault(lookup, envVarHeight, v.height); err != nil {
		return err
	}
	if v.fps, err = envFloatOrDefault(lookup, envVarFPS, v.fps); err != nil {
		return err
	}
	if v.bitrateKbps, err = envIntOrDefault(lookup, envVarBitrateKbps, v.bitrateKbps); err != nil {
		return err
	}
	if raw, ok := lookup(envVarSignalingPort); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envVarSignalingPort, raw, err)
		}
		v.signalingPort = uint(p)
	}
	v.listenHost = envOrDefault(lookup, envVarListenHost, v.listenHost)
	v.allowedOrigins = envOrDefault(lookup, envVarAllowedOrigins, v.allowedOrigins)
	v.mode = envOrDefault(lookup, envVarMode, v.mode)

	if raw, ok := lookup(envVarLogFormat); ok && raw != "" {
		v.logFormat, v.logFormatSet = raw, true
	}
	if raw, ok := lookup(envVarLogLevel); ok && raw != "" {
		v.logLevel, v.logLevelSet = raw, true
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{envVarShutdownTimeout, &v.shutdownTimeout},
		{envVarICEGatheringTimeout, &v.iceGatheringTimeout},
		{envVarSignalingWSIdleTimeout, &v.signalingWSIdleTimeout},
		{envVarSignalingWSPingInterval, &v.signalingWSPingInterval},
	}
	for _, d := range durations {
		if *d.dst, err = envDurationOrDefault(lookup, d.key, *d.dst); err != nil {
			return err
		}
	}

	if v.trickleICE, err = envBoolOrDefault(lookup, envVarTrickleICE, v.trickleICE); err != nil {
		return err
	}
	if v.mailboxDepth, err = envIntOrDefault(lookup, envVarMailboxDepth, v.mailboxDepth); err != nil {
		return err
	}
	if v.eventQueueSize, err = envIntOrDefault(lookup, envVarEventQueueSize, v.eventQueueSize); err != nil {
		return err
	}
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		v.maxSignalingMessageBytes = n
	}
	if v.maxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, v.maxSignalingMessagesPerSecond); err != nil {
		return err
	}

	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		v.webrtcUDPPortMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		v.webrtcUDPPortMax = uint(p)
	}
	v.webrtcUDPListenIP = envOrDefault(lookup, envVarWebRTCUDPListenIP, v.webrtcUDPListenIP)
	v.webrtcNAT1To1IPs = envOrDefault(lookup, envVarWebRTCNAT1To1IPs, v.webrtcNAT1To1IPs)
	v.webrtcNAT1To1CandidateType = envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, v.webrtcNAT1To1CandidateType)

	v.iceServersJSON = envOrDefault(lookup, envICEServersJSON, v.iceServersJSON)
	v.stunURLs = envOrDefault(lookup, envStunURLs, v.stunURLs)
	if v.stunURLs == "" {
		v.stunURLs = legacySTUNURL(envOrDefault(lookup, envLegacySTUNServer, ""))
	}
	v.turnURLs = envOrDefault(lookup, envTurnURLs, v.turnURLs)
	v.turnUsername = envOrDefault(lookup, envTurnUsername, v.turnUsername)
	v.turnCredential = envOrDefault(lookup, envTurnCredential, v.turnCredential)
	return nil
}

func (v values) build() (Config, error) {
	mode, err := parseMode(v.mode)
	if err != nil {
		return Config{}, err
	}
	logFormatStr := v.logFormat
	if !v.logFormatSet || strings.TrimSpace(logFormatStr) == "" {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	logLevelStr := v.logLevel
	if !v.logLevelSet || strings.TrimSpace(logLevelStr) == "" {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if v.width <= 0 || v.width > MaxDimension {
		return Config{}, fmt.Errorf("%s/--width must be in 1..%d, got %d", envVarWidth, MaxDimension, v.width)
	}
	if v.height <= 0 || v.height > MaxDimension {
		return Config{}, fmt.Errorf("%s/--height must be in 1..%d, got %d", envVarHeight, MaxDimension, v.height)
	}
	// I420 chroma planes are subsampled 2x2.
	if v.width%2 != 0 || v.height%2 != 0 {
		return Config{}, fmt.Errorf("frame size must be even, got %dx%d", v.width, v.height)
	}
	if !(v.fps >= MinFPS) || v.fps > MaxFPS {
		return Config{}, fmt.Errorf("%s/--fps must be in %v..%v, got %v", envVarFPS, MinFPS, MaxFPS, v.fps)
	}
	if v.bitrateKbps <= 0 {
		return Config{}, fmt.Errorf("%s/--bitrate-kbps must be > 0", envVarBitrateKbps)
	}
	port, err := parsePortUint(v.signalingPort)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--signaling-port: %w", envVarSignalingPort, err)
	}
	if v.shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if v.iceGatheringTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-gather-timeout must be > 0", envVarICEGatheringTimeout)
	}
	if v.mailboxDepth <= 0 || v.mailboxDepth > MaxMailboxDepth {
		return Config{}, fmt.Errorf("%s/--mailbox-depth must be in 1..%d", envVarMailboxDepth, MaxMailboxDepth)
	}
	if v.eventQueueSize <= 0 {
		return Config{}, fmt.Errorf("%s/--event-queue-size must be > 0", envVarEventQueueSize)
	}
	if v.signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if v.signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if v.signalingWSPingInterval >= v.signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if v.maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if v.maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}

	var portRange *UDPPortRange
	if v.webrtcUDPPortMin != 0 || v.webrtcUDPPortMax != 0 {
		if v.webrtcUDPPortMin == 0 || v.webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/--%s and %s/--%s must be set together (or both unset)",
				envVarWebRTCUDPPortMin, flagWebRTCUDPPortMin,
				envVarWebRTCUDPPortMax, flagWebRTCUDPPortMax,
			)
		}
		lo, err := parsePortUint(v.webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--%s: %w", envVarWebRTCUDPPortMin, flagWebRTCUDPPortMin, err)
		}
		hi, err := parsePortUint(v.webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--%s: %w", envVarWebRTCUDPPortMax, flagWebRTCUDPPortMax, err)
		}
		if lo > hi {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", lo, hi)
		}
		if size := int(hi) - int(lo) + 1; size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		portRange = &UDPPortRange{Min: lo, Max: hi}
	}

	listenIP := net.ParseIP(strings.TrimSpace(v.webrtcUDPListenIP))
	if listenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/--%s %q", envVarWebRTCUDPListenIP, flagWebRTCUDPListenIP, v.webrtcUDPListenIP)
	}

	var natIPs []string
	if strings.TrimSpace(v.webrtcNAT1To1IPs) != "" {
		natIPs, err = parseIPList(v.webrtcNAT1To1IPs)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--%s %q: %w", envVarWebRTCNAT1To1IPs, flagWebRTCNAT1To1IPs, v.webrtcNAT1To1IPs, err)
		}
	}
	candidateTypeStr := v.webrtcNAT1To1CandidateType
	if strings.TrimSpace(candidateTypeStr) == "" {
		candidateTypeStr = string(NAT1To1CandidateTypeHost)
	}
	candidateType, err := parseCandidateType(candidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--%s %q: %w", envVarWebRTCNAT1To1IPCandidateType, flagWebRTCNAT1To1IPType, candidateTypeStr, err)
	}

	allowedOrigins, err := parseAllowedOrigins(v.allowedOrigins)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	cfg := Config{
		Width:       v.width,
		Height:      v.height,
		FPS:         v.fps,
		BitrateKbps: v.bitrateKbps,

		ListenAddr:     net.JoinHostPort(strings.TrimSpace(v.listenHost), strconv.Itoa(int(port))),
		AllowedOrigins: allowedOrigins,

		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: v.shutdownTimeout,

		ICEGatheringTimeout: v.iceGatheringTimeout,
		TrickleICE:          v.trickleICE,
		MailboxDepth:        v.mailboxDepth,
		EventQueueSize:      v.eventQueueSize,

		SignalingWSIdleTimeout:        v.signalingWSIdleTimeout,
		SignalingWSPingInterval:       v.signalingWSPingInterval,
		MaxSignalingMessageBytes:      v.maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: v.maxSignalingMessagesPerSecond,

		WebRTCUDPPortRange:           portRange,
		WebRTCNAT1To1IPs:             natIPs,
		WebRTCNAT1To1IPCandidateType: candidateType,
		WebRTCUDPListenIP:            listenIP,
	}

	iceServers, err := parseICEServersFromValues(v.iceServersJSON, v.stunURLs, v.turnURLs, v.turnUsername, v.turnCredential)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}
	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envFloatOrDefault(lookup func(string) (string, bool), key string, fallback float64) (float64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return f, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaSeparated(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		o, ok := origin.Parse(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, o.String())
	}
	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range splitCommaSeparated(s) {
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
