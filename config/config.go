package config

import (
	"database/sql"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"liveclass/constant"
)

type Config struct {
	App       App           `yaml:"app"`
	DB        *sql.DB       `yaml:"db"`
	Queue     *RabbitMQ     `yaml:"rabbitmq"`
	Storage   *minio.Client `yaml:"storage"`
	Redis     *redis.Client `yaml:"redis"`
	Server    Server        `yaml:"server"`
	MinIO     MinIO         `yaml:"minio"`
	WebRTC    WebRTC        `yaml:"webrtc"`
	Media     Media         `yaml:"media"`
	Recording Recording     `yaml:"recording"`
	Signaling Signaling     `yaml:"signaling"`
}

type App struct {
	Environment string `yaml:"environment"`
	Host        string `yaml:"host"`
	Protocol    string `yaml:"protocol"`
	// Debug turns on SQL logging.
	Debug bool `yaml:"debug"`
}

type Server struct {
	HttpPort string `yaml:"http_port"`
	Workers  int    `yaml:"workers"`
}

type RabbitMQ struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`
	Pass string `json:"pass"`
	Kind string `json:"kind"`
}

type MinIO struct {
	Bucket        string        `yaml:"bucket"`
	PresignExpiry time.Duration `yaml:"presign_expiry"`
}

type Turn struct {
	Enabled  bool   `yaml:"enabled"`
	PublicIP string `yaml:"public_ip"`
	Port     int    `yaml:"port"`
	Realm    string `yaml:"realm"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type WebRTC struct {
	STUNServers []string `yaml:"stun_servers"`
	Turn        Turn     `yaml:"turn"`
}

type Media struct {
	Camera     string `yaml:"camera"`
	Microphone string `yaml:"microphone"`
	Screen     string `yaml:"screen"`
	Loop       bool   `yaml:"loop"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	FrameRate  int    `yaml:"frame_rate"`
}

type Recording struct {
	Enabled   bool                       `yaml:"enabled"`
	Timeslice time.Duration              `yaml:"timeslice"`
	LinkMode  constant.RecordingLinkMode `yaml:"link_mode"`
}

type Signaling struct {
	URL string `yaml:"url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", constant.EnvironmentDevelop.String())
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.workers", 2)
	v.SetDefault("rabbitmq_kind", "direct")
	v.SetDefault("minio.url", "localhost:9000")
	v.SetDefault("minio.bucket", "recordings")
	v.SetDefault("minio.presign_expiry", time.Hour)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("webrtc.stun_servers", []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"})
	v.SetDefault("webrtc.turn.port", 3478)
	v.SetDefault("webrtc.turn.realm", "liveclass")
	v.SetDefault("media.width", 1280)
	v.SetDefault("media.height", 720)
	v.SetDefault("media.frame_rate", 30)
	v.SetDefault("media.loop", true)
	v.SetDefault("recording.timeslice", time.Second)
	v.SetDefault("recording.link_mode", string(constant.RecordingLinkDirect))
	v.SetDefault("signaling.url", "ws://localhost:8080")
}

// Load reads config.yaml from path. A .env file next to it is loaded into the
// environment first, and environment variables (dots become underscores)
// override the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(path, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	db, err := sql.Open("postgres", v.GetString("postgresql_host"))
	if err != nil {
		return nil, err
	}

	rabbitmq := &RabbitMQ{
		Host: v.GetString("rabbitmq_host"),
		Port: v.GetInt("rabbitmq_port"),
		User: v.GetString("rabbitmq_user"),
		Pass: v.GetString("rabbitmq_pass"),
		Kind: v.GetString("rabbitmq_kind"),
	}

	minioClient, err := minio.New(v.GetString("minio.url"), &minio.Options{
		Creds:  credentials.NewStaticV4(v.GetString("minio.access_id"), v.GetString("minio.secret_access_key"), ""),
		Secure: v.GetBool("minio.secure"),
	})
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	})

	linkMode := constant.RecordingLinkMode(v.GetString("recording.link_mode"))
	if linkMode != constant.RecordingLinkDirect && linkMode != constant.RecordingLinkQueue {
		return nil, errors.New("recording.link_mode must be direct or queue")
	}

	return &Config{
		App: App{
			Environment: v.GetString("app.environment"),
			Host:        v.GetString("app.host"),
			Protocol:    v.GetString("app.protocol"),
			Debug:       v.GetBool("app.debug"),
		},
		Server: Server{
			HttpPort: v.GetString("server.port"),
			Workers:  v.GetInt("server.workers"),
		},
		MinIO: MinIO{
			Bucket:        v.GetString("minio.bucket"),
			PresignExpiry: v.GetDuration("minio.presign_expiry"),
		},
		WebRTC: WebRTC{
			STUNServers: v.GetStringSlice("webrtc.stun_servers"),
			Turn: Turn{
				Enabled:  v.GetBool("webrtc.turn.enabled"),
				PublicIP: v.GetString("webrtc.turn.public_ip"),
				Port:     v.GetInt("webrtc.turn.port"),
				Realm:    v.GetString("webrtc.turn.realm"),
				Username: v.GetString("webrtc.turn.username"),
				Password: v.GetString("webrtc.turn.password"),
			},
		},
		Media: Media{
			Camera:     v.GetString("media.camera"),
			Microphone: v.GetString("media.microphone"),
			Screen:     v.GetString("media.screen"),
			Loop:       v.GetBool("media.loop"),
			Width:      v.GetInt("media.width"),
			Height:     v.GetInt("media.height"),
			FrameRate:  v.GetInt("media.frame_rate"),
		},
		Recording: Recording{
			Enabled:   v.GetBool("recording.enabled"),
			Timeslice: v.GetDuration("recording.timeslice"),
			LinkMode:  linkMode,
		},
		Signaling: Signaling{
			URL: v.GetString("signaling.url"),
		},
		DB:      db,
		Queue:   rabbitmq,
		Storage: minioClient,
		Redis:   redisClient,
	}, nil
}
