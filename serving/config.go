package serving

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds all serving parameters. Values are read once at startup from
// the environment (optionally overridden by a YAML file), then the derived
// capacity constants are computed by Postprocess. Later environment changes
// are ignored.
type Config struct {
	ModelDir string `yaml:"model_dir"`

	// Engine capacity.
	MaxBatchSize   int     `yaml:"max_batch_size"`
	MaxSeqLen      int     `yaml:"max_seq_len"`
	MaxDecLen      int     `yaml:"max_dec_len"`
	BlockSize      int     `yaml:"block_size"`
	BlockBS        float64 `yaml:"block_bs"`
	BlockRatio     float64 `yaml:"block_ratio"`
	EncDecBlockNum int     `yaml:"enc_dec_block_num"`

	// Request legality limits. Default to MaxSeqLen / MaxDecLen.
	SeqLenLimit int `yaml:"seq_len_limit"`
	DecLenLimit int `yaml:"dec_len_limit"`

	// Worker topology and transport.
	MPNum          int `yaml:"mp_num"`
	InferQueuePort int `yaml:"infer_queue_port"`
	MaxGetNum      int `yaml:"engine_max_need_num"` // per-get cap on queue drain; 0 = unbounded

	// Health probing.
	CheckHealthInterval int `yaml:"check_health_interval"` // seconds

	HTTPPort  int  `yaml:"http_port"`
	UseWarmup bool `yaml:"use_warmup"`

	// Model metadata, read from MODEL_DIR/config.json.
	ModelMaxLength int `yaml:"-"`

	// Derived constants, computed by Postprocess.
	DecTokenNum      int `yaml:"-"`
	MaxQueryBlockNum int `yaml:"-"`
	TotalBlockNum    int `yaml:"-"`
	MaxBlockNum      int `yaml:"-"`
}

// modelConfigJSON is the subset of the exported model's config.json the
// serving layer cares about.
type modelConfigJSON struct {
	MaxLength           int `json:"max_length"`
	InferModelBlockSize int `json:"infer_model_block_size"`
	InferModelMaxSeqLen int `json:"infer_model_max_seq_len"`
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		logrus.Warnf("ignoring non-integer value %q for %s", v, key)
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		logrus.Warnf("ignoring non-float value %q for %s", v, key)
	}
	return def
}

// LoadConfigFromEnv builds a Config from environment variables, applies the
// model config.json overrides, computes derived constants and validates the
// result. It is the single entry point used by the serve command.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		ModelDir:            os.Getenv("MODEL_DIR"),
		MaxBatchSize:        envInt("MAX_BATCH_SIZE", 50),
		MaxSeqLen:           envInt("MAX_SEQ_LEN", 8192),
		MaxDecLen:           envInt("MAX_DEC_LEN", 1024),
		BlockSize:           envInt("BLOCK_SIZE", 64),
		BlockBS:             envFloat("BLOCK_BS", 50),
		BlockRatio:          envFloat("BLOCK_RATIO", 0.75),
		EncDecBlockNum:      envInt("ENC_DEC_BLOCK_NUM", 2),
		MPNum:               envInt("MP_NUM", 1),
		InferQueuePort:      envInt("INFER_QUEUE_PORT", 56666),
		MaxGetNum:           envInt("ENGINE_MAX_NEED_NUM", 0),
		CheckHealthInterval: envInt("CHECK_HEALTH_INTERVAL", 10),
		HTTPPort:            envInt("HTTP_PORT", 9904),
		UseWarmup:           envInt("USE_WARMUP", 0) == 1,
		ModelMaxLength:      1024,
	}
	// The exported limits double as the request legality limits.
	cfg.SeqLenLimit = envInt("MAX_SEQ_LEN", cfg.MaxSeqLen)
	cfg.DecLenLimit = envInt("MAX_DEC_LEN", cfg.MaxDecLen)

	if err := cfg.readModelConfig(); err != nil {
		return nil, err
	}
	cfg.Postprocess()
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyFile overlays non-zero values from a YAML config file. Called before
// Postprocess by the serve command when --config is given.
func (c *Config) ApplyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}

// readModelConfig loads MODEL_DIR/config.json when present. The exported
// model is authoritative for block size and maximum sequence length.
func (c *Config) readModelConfig() error {
	if c.ModelDir == "" {
		return nil
	}
	if _, err := os.Stat(c.ModelDir); err != nil {
		return errors.Wrapf(err, "model dir %s unreachable", c.ModelDir)
	}
	path := filepath.Join(c.ModelDir, "config.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		logrus.Warnf("no model config at %s, using environment values", path)
		return nil
	}
	var mc modelConfigJSON
	if err := json.Unmarshal(raw, &mc); err != nil {
		return errors.Wrapf(err, "parse model config %s", path)
	}
	if mc.MaxLength > 0 {
		c.ModelMaxLength = mc.MaxLength
	}
	if mc.InferModelBlockSize > 0 {
		logrus.Infof("reset block_size = %d from model config", mc.InferModelBlockSize)
		c.BlockSize = mc.InferModelBlockSize
	}
	if mc.InferModelMaxSeqLen > 0 {
		logrus.Infof("reset max_seq_len = %d from model config", mc.InferModelMaxSeqLen)
		c.MaxSeqLen = mc.InferModelMaxSeqLen
	}
	return nil
}

// Postprocess computes the derived capacity constants.
//
//	dec_token_num       = enc_dec_block_num * block_size
//	max_query_block_num = ceil((max_dec_len + max_seq_len) / block_size)
//	total_block_num     = floor(block_bs * max_query_block_num)
//	max_block_num       = floor(total_block_num * block_ratio)
//
// When block_ratio >= 1.0 the decode reservation is widened to cover a full
// max_dec_len generation.
func (c *Config) Postprocess() {
	if c.BlockRatio >= 1.0 {
		c.EncDecBlockNum = (c.MaxDecLen + c.BlockSize - 1) / c.BlockSize
	}
	c.MaxQueryBlockNum = (c.MaxDecLen + c.MaxSeqLen + c.BlockSize - 1) / c.BlockSize
	c.DecTokenNum = c.EncDecBlockNum * c.BlockSize
	c.TotalBlockNum = int(c.BlockBS * float64(c.MaxQueryBlockNum))
	c.MaxBlockNum = int(float64(c.TotalBlockNum) * c.BlockRatio)
	logrus.Infof("max_block_num: %d", c.MaxBlockNum)
}

// Check validates the configuration. Failures here are fatal at startup.
func (c *Config) Check() error {
	if c.MaxBatchSize > 256 {
		return errors.Errorf("max_batch_size must not exceed 256, got %d", c.MaxBatchSize)
	}
	if c.MaxBatchSize < 1 {
		return errors.Errorf("max_batch_size must be positive, got %d", c.MaxBatchSize)
	}
	if c.BlockSize < 1 {
		return errors.Errorf("block_size must be positive, got %d", c.BlockSize)
	}
	if c.BlockRatio <= 0 || c.BlockRatio > 1.0 {
		return errors.Errorf("block_ratio must be in (0,1], got %v", c.BlockRatio)
	}
	if c.SeqLenLimit > c.MaxSeqLen {
		return errors.Errorf("seq_len_limit %d exceeds model max_seq_len %d", c.SeqLenLimit, c.MaxSeqLen)
	}
	if c.DecLenLimit > c.MaxSeqLen {
		return errors.Errorf("dec_len_limit %d exceeds model max_seq_len %d", c.DecLenLimit, c.MaxSeqLen)
	}
	if c.MPNum < 1 {
		return errors.Errorf("mp_num must be positive, got %d", c.MPNum)
	}
	return nil
}

// SrcLength is the tokenizer truncation budget for prompt text.
func (c *Config) SrcLength() int {
	n := c.ModelMaxLength - c.SeqLenLimit
	if n < 0 {
		return 0
	}
	return n
}
