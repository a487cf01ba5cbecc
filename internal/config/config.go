package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/isqad/livelook-classroom/internal/logging"
	"github.com/pion/webrtc/v3"
)

const (
	envPrefix      = "LIVELOOK"
	configFileName = "livelook"
)

// DefaultStunServers has no TURN fallback, so some NAT topologies will not connect.
// TURN servers can be supplied with ice.turn_servers.
var DefaultStunServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

type Config struct {
	Env           string              `mapstructure:"env"`
	Log           logging.Config      `mapstructure:"log"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Database      DatabaseConfig      `mapstructure:"database"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Firebase      FirebaseConfig      `mapstructure:"firebase"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Media         MediaConfig         `mapstructure:"media"`
	ICE           ICEConfig           `mapstructure:"ice"`
	RTC           RTCConfig           `mapstructure:"rtc"`
	Peer          PeerConfig          `mapstructure:"peer"`
}

type HTTPConfig struct {
	Address        string `mapstructure:"address"`
	MetricsAddress string `mapstructure:"metrics_address"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DatabaseConfig struct {
	// URL is optional, session history is not recorded without it
	URL string `mapstructure:"url"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
}

type FirebaseConfig struct {
	Addr string `mapstructure:"addr"`
}

type NotificationsConfig struct {
	// Backend is one of "nats", "eventbus" or "none"
	Backend  string `mapstructure:"backend"`
	LinkBase string `mapstructure:"link_base"`
}

type MediaConfig struct {
	// Source is either "file" or "rtp"
	Source          string `mapstructure:"source"`
	VideoFile       string `mapstructure:"video_file"`
	AudioFile       string `mapstructure:"audio_file"`
	RTPVideoAddress string `mapstructure:"rtp_video_address"`
	RTPAudioAddress string `mapstructure:"rtp_audio_address"`
}

type TURNServer struct {
	URL        string `mapstructure:"url"`
	Username   string `mapstructure:"username"`
	Credential string `mapstructure:"credential"`
}

type ICEConfig struct {
	StunServers []string     `mapstructure:"stun_servers"`
	TURNServers []TURNServer `mapstructure:"turn_servers"`
}

type RTCConfig struct {
	ICEPortRangeStart uint32 `mapstructure:"ice_port_range_start"`
	ICEPortRangeEnd   uint32 `mapstructure:"ice_port_range_end"`
}

type CodecSpec struct {
	Mime     string `mapstructure:"mime"`
	FmtpLine string `mapstructure:"fmtp_line"`
}

type PeerConfig struct {
	EnabledCodecs []CodecSpec `mapstructure:"enabled_codecs"`
}

func NewConfig() *Config {
	conf := &Config{
		Env: string(core.DevelopmentEnv),
		Log: logging.Config{
			Level:       "info",
			Pretty:      true,
			ServiceName: "livelook-host",
		},
		HTTP: HTTPConfig{
			Address:        ":8080",
			MetricsAddress: ":9090",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		NATS: NATSConfig{
			Subject: "livelook.notifications",
			Queue:   "notifyd",
		},
		Firebase: FirebaseConfig{
			Addr: "localhost:50053",
		},
		Notifications: NotificationsConfig{
			Backend:  "eventbus",
			LinkBase: "https://localhost:3001",
		},
		Media: MediaConfig{
			Source:          "file",
			VideoFile:       "video.ivf",
			RTPVideoAddress: "127.0.0.1:5004",
		},
		ICE: ICEConfig{
			StunServers: DefaultStunServers,
		},
		RTC: RTCConfig{
			ICEPortRangeStart: 50000,
			ICEPortRangeEnd:   60000,
		},
		Peer: PeerConfig{
			EnabledCodecs: []CodecSpec{
				{Mime: webrtc.MimeTypeOpus},
				{Mime: webrtc.MimeTypeVP8},
			},
		},
	}

	return conf
}

// Load reads livelook.yaml from configPath (or . and ./configs) and applies
// LIVELOOK_* environment overrides, e.g. LIVELOOK_REDIS_ADDR.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName(configFileName)
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v, NewConfig())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return conf, nil
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper, conf *Config) {
	v.SetDefault("env", conf.Env)
	v.SetDefault("log.level", conf.Log.Level)
	v.SetDefault("log.pretty", conf.Log.Pretty)
	v.SetDefault("log.service_name", conf.Log.ServiceName)
	v.SetDefault("http.address", conf.HTTP.Address)
	v.SetDefault("http.metrics_address", conf.HTTP.MetricsAddress)
	v.SetDefault("redis.addr", conf.Redis.Addr)
	v.SetDefault("redis.password", conf.Redis.Password)
	v.SetDefault("redis.db", conf.Redis.DB)
	v.SetDefault("database.url", conf.Database.URL)
	v.SetDefault("nats.url", conf.NATS.URL)
	v.SetDefault("nats.subject", conf.NATS.Subject)
	v.SetDefault("nats.queue", conf.NATS.Queue)
	v.SetDefault("firebase.addr", conf.Firebase.Addr)
	v.SetDefault("notifications.backend", conf.Notifications.Backend)
	v.SetDefault("notifications.link_base", conf.Notifications.LinkBase)
	v.SetDefault("media.source", conf.Media.Source)
	v.SetDefault("media.video_file", conf.Media.VideoFile)
	v.SetDefault("media.audio_file", conf.Media.AudioFile)
	v.SetDefault("media.rtp_video_address", conf.Media.RTPVideoAddress)
	v.SetDefault("media.rtp_audio_address", conf.Media.RTPAudioAddress)
	v.SetDefault("ice.stun_servers", conf.ICE.StunServers)
	v.SetDefault("ice.turn_servers", []map[string]string{})
	v.SetDefault("rtc.ice_port_range_start", conf.RTC.ICEPortRangeStart)
	v.SetDefault("rtc.ice_port_range_end", conf.RTC.ICEPortRangeEnd)

	codecs := make([]map[string]string, 0, len(conf.Peer.EnabledCodecs))
	for _, c := range conf.Peer.EnabledCodecs {
		codecs = append(codecs, map[string]string{"mime": c.Mime, "fmtp_line": c.FmtpLine})
	}
	v.SetDefault("peer.enabled_codecs", codecs)
}

func (c *Config) Environment() core.Environment {
	return core.ParseEnvironment(c.Env)
}
