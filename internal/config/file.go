package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the TOML config file. Pointer fields distinguish an
// absent key from a zero value.
type fileConfig struct {
	Width         *int     `toml:"width"`
	Height        *int     `toml:"height"`
	FPS           *float64 `toml:"fps"`
	BitrateKbps   *int     `toml:"bitrate_kbps"`
	SignalingPort *uint    `toml:"signaling_port"`
	ListenHost    *string  `toml:"listen_host"`

	Mode            *string        `toml:"mode"`
	LogFormat       *string        `toml:"log_format"`
	LogLevel        *string        `toml:"log_level"`
	ShutdownTimeout *time.Duration `toml:"shutdown_timeout"`

	ICEGatheringTimeout *time.Duration `toml:"ice_gathering_timeout"`
	TrickleICE          *bool          `toml:"trickle_ice"`
	MailboxDepth        *int           `toml:"mailbox_depth"`
	EventQueueSize      *int           `toml:"event_queue_size"`

	AllowedOrigins []string `toml:"allowed_origins"`

	Signaling struct {
		IdleTimeout          *time.Duration `toml:"idle_timeout"`
		PingInterval         *time.Duration `toml:"ping_interval"`
		MaxMessageBytes      *int64         `toml:"max_message_bytes"`
		MaxMessagesPerSecond *int           `toml:"max_messages_per_second"`
	} `toml:"signaling"`

	WebRTC struct {
		UDPPortMin           *uint    `toml:"udp_port_min"`
		UDPPortMax           *uint    `toml:"udp_port_max"`
		UDPListenIP          *string  `toml:"udp_listen_ip"`
		NAT1To1IPs           []string `toml:"nat_1to1_ips"`
		NAT1To1CandidateType *string  `toml:"nat_1to1_ip_candidate_type"`
	} `toml:"webrtc"`

	ICE struct {
		STUNURLs       []string `toml:"stun_urls"`
		TURNURLs       []string `toml:"turn_urls"`
		TURNUsername   *string  `toml:"turn_username"`
		TURNCredential *string  `toml:"turn_credential"`
	} `toml:"ice"`
}

func loadFile(path string, v *values) error {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	fc.apply(v)
	return nil
}

func (fc *fileConfig) apply(v *values) {
	setIf(&v.width, fc.Width)
	setIf(&v.height, fc.Height)
	setIf(&v.fps, fc.FPS)
	setIf(&v.bitrateKbps, fc.BitrateKbps)
	setIf(&v.signalingPort, fc.SignalingPort)
	setIf(&v.listenHost, fc.ListenHost)
	setIf(&v.mode, fc.Mode)
	if fc.LogFormat != nil {
		v.logFormat, v.logFormatSet = *fc.LogFormat, true
	}
	if fc.LogLevel != nil {
		v.logLevel, v.logLevelSet = *fc.LogLevel, true
	}
	setIf(&v.shutdownTimeout, fc.ShutdownTimeout)
	setIf(&v.iceGatheringTimeout, fc.ICEGatheringTimeout)
	setIf(&v.trickleICE, fc.TrickleICE)
	setIf(&v.mailboxDepth, fc.MailboxDepth)
	setIf(&v.eventQueueSize, fc.EventQueueSize)
	if fc.AllowedOrigins != nil {
		v.allowedOrigins = strings.Join(fc.AllowedOrigins, ",")
	}

	setIf(&v.signalingWSIdleTimeout, fc.Signaling.IdleTimeout)
	setIf(&v.signalingWSPingInterval, fc.Signaling.PingInterval)
	setIf(&v.maxSignalingMessageBytes, fc.Signaling.MaxMessageBytes)
	setIf(&v.maxSignalingMessagesPerSecond, fc.Signaling.MaxMessagesPerSecond)

	setIf(&v.webrtcUDPPortMin, fc.WebRTC.UDPPortMin)
	setIf(&v.webrtcUDPPortMax, fc.WebRTC.UDPPortMax)
	setIf(&v.webrtcUDPListenIP, fc.WebRTC.UDPListenIP)
	if fc.WebRTC.NAT1To1IPs != nil {
		v.webrtcNAT1To1IPs = strings.Join(fc.WebRTC.NAT1To1IPs, ",")
	}
	setIf(&v.webrtcNAT1To1CandidateType, fc.WebRTC.NAT1To1CandidateType)

	if fc.ICE.STUNURLs != nil {
		v.stunURLs = strings.Join(fc.ICE.STUNURLs, ",")
	}
	if fc.ICE.TURNURLs != nil {
		v.turnURLs = strings.Join(fc.ICE.TURNURLs, ",")
	}
	setIf(&v.turnUsername, fc.ICE.TURNUsername)
	setIf(&v.turnCredential, fc.ICE.TURNCredential)
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
