package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "PEOPLE_COUNTER"

type Config struct {
	Model         string  `mapstructure:"model"`
	Input         string  `mapstructure:"input"`
	CPUExtension  string  `mapstructure:"cpu_extension"`
	Device        string  `mapstructure:"device"`
	ProbThreshold float64 `mapstructure:"prob_threshold"`

	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Preprocess PreprocessConfig `mapstructure:"preprocess"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Output     OutputConfig     `mapstructure:"output"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Log        LogConfig        `mapstructure:"log"`
}

type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`    // host:port
	ClientID       string        `mapstructure:"client_id"` // empty = random
	KeepAlive      time.Duration `mapstructure:"keepalive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	QoS            byte          `mapstructure:"qos"`
	Topics         TopicsConfig  `mapstructure:"topics"`
}

type TopicsConfig struct {
	Count    string `mapstructure:"count"`
	Duration string `mapstructure:"duration"`
}

type RuntimeConfig struct {
	LibraryPath    string `mapstructure:"library_path"`
	IntraOpThreads int    `mapstructure:"intra_op_threads"`
	InterOpThreads int    `mapstructure:"inter_op_threads"`
	MaxDetections  int    `mapstructure:"max_detections"`
	// WaitTimeout bounds each inference wait; 0 waits indefinitely.
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

type PreprocessConfig struct {
	Order string  `mapstructure:"order"` // bgr or rgb
	Scale float64 `mapstructure:"scale"`
}

type StreamConfig struct {
	// Camera overrides the platform's default capture device for CAM input.
	Camera string `mapstructure:"camera"`
	// FPS is used when the container does not report a frame rate.
	FPS int `mapstructure:"fps"`
}

type OutputConfig struct {
	// Target is "stdout" for raw BGR24 frames, "none" to discard, or an
	// ffmpeg output URL or file.
	Target string `mapstructure:"target"`
	Format string `mapstructure:"format"`
	Codec  string `mapstructure:"codec"`
	// Image is where single-image input writes its annotated result.
	Image string `mapstructure:"image"`
}

type MonitorConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the HTTP server
}

type LogConfig struct {
	JSON  bool `mapstructure:"json"`
	Debug bool `mapstructure:"debug"`
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("model", "")
	v.SetDefault("input", "")
	v.SetDefault("cpu_extension", "")
	v.SetDefault("device", "CPU")
	v.SetDefault("prob_threshold", 0.5)

	v.SetDefault("mqtt.broker", "localhost:3001")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.keepalive", 60*time.Second)
	v.SetDefault("mqtt.connect_timeout", 5*time.Second)
	v.SetDefault("mqtt.publish_timeout", 2*time.Second)
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.topics.count", "person")
	v.SetDefault("mqtt.topics.duration", "person/duration")

	v.SetDefault("runtime.library_path", "")
	v.SetDefault("runtime.intra_op_threads", 0) // runtime default
	v.SetDefault("runtime.inter_op_threads", 0)
	v.SetDefault("runtime.max_detections", 200)
	v.SetDefault("runtime.wait_timeout", time.Duration(0))

	v.SetDefault("preprocess.order", "bgr")
	v.SetDefault("preprocess.scale", 1.0)

	v.SetDefault("stream.camera", "")
	v.SetDefault("stream.fps", 30)

	v.SetDefault("output.target", "stdout")
	v.SetDefault("output.format", "")
	v.SetDefault("output.codec", "")
	v.SetDefault("output.image", "output_image.jpg")

	v.SetDefault("monitor.addr", "")

	v.SetDefault("log.json", false)
	v.SetDefault("log.debug", false)
}

// New returns a viper instance with defaults and PEOPLE_COUNTER_* environment
// binding. Flags bound later take precedence over both.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the optional YAML file at path into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return &cfg, nil
}

// Validate checks the values a run cannot start without.
func (c *Config) Validate() error {
	if c.Model == "" {
		return errors.WithHint(errors.New("no model given"), "pass the model file with -m/--model")
	}
	if c.Input == "" {
		return errors.WithHint(errors.New("no input given"), "pass CAM, an image or a video file with -i/--input")
	}
	if c.ProbThreshold < 0 || c.ProbThreshold > 1 {
		return errors.Newf("prob_threshold %v outside [0, 1]", c.ProbThreshold)
	}
	if c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is empty")
	}
	if c.MQTT.QoS > 2 {
		return errors.Newf("mqtt.qos %d, want 0, 1 or 2", c.MQTT.QoS)
	}
	if c.MQTT.Topics.Count == "" || c.MQTT.Topics.Duration == "" {
		return errors.New("mqtt topics must not be empty")
	}
	if c.Runtime.IntraOpThreads < 0 || c.Runtime.InterOpThreads < 0 {
		return errors.New("runtime thread counts must not be negative")
	}
	if c.Runtime.MaxDetections < 0 {
		return errors.Newf("runtime.max_detections %d is negative", c.Runtime.MaxDetections)
	}
	if c.Runtime.WaitTimeout < 0 {
		return errors.Newf("runtime.wait_timeout %s is negative", c.Runtime.WaitTimeout)
	}
	switch strings.ToLower(c.Preprocess.Order) {
	case "bgr", "rgb":
	default:
		return errors.Newf("preprocess.order %q, want bgr or rgb", c.Preprocess.Order)
	}
	if c.Preprocess.Scale <= 0 {
		return errors.Newf("preprocess.scale %v must be positive", c.Preprocess.Scale)
	}
	if c.Stream.FPS < 0 {
		return errors.Newf("stream.fps %d is negative", c.Stream.FPS)
	}
	return nil
}
