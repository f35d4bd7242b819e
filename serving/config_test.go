package serving

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnv_DerivedConstants(t *testing.T) {
	// GIVEN a small engine shape in the environment
	t.Setenv("MODEL_DIR", "")
	t.Setenv("MAX_BATCH_SIZE", "4")
	t.Setenv("MAX_SEQ_LEN", "16")
	t.Setenv("MAX_DEC_LEN", "8")
	t.Setenv("BLOCK_SIZE", "4")
	t.Setenv("BLOCK_BS", "2")
	t.Setenv("BLOCK_RATIO", "0.75")
	t.Setenv("ENC_DEC_BLOCK_NUM", "1")

	// WHEN loaded
	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)

	// THEN the capacity constants follow the block formulas
	assert.Equal(t, 4, cfg.DecTokenNum)
	assert.Equal(t, 6, cfg.MaxQueryBlockNum, "ceil((8+16)/4)")
	assert.Equal(t, 12, cfg.TotalBlockNum)
	assert.Equal(t, 9, cfg.MaxBlockNum, "floor(12*0.75)")
	assert.Equal(t, 16, cfg.SeqLenLimit)
	assert.Equal(t, 8, cfg.DecLenLimit)
}

func TestPostprocess_FullRatioWidensDecodeReservation(t *testing.T) {
	// GIVEN block_ratio == 1.0
	cfg := &Config{
		MaxSeqLen:      16,
		MaxDecLen:      10,
		BlockSize:      4,
		BlockBS:        2,
		BlockRatio:     1.0,
		EncDecBlockNum: 1,
	}

	// WHEN derived
	cfg.Postprocess()

	// THEN the decode reservation covers a full max_dec_len generation
	assert.Equal(t, 3, cfg.EncDecBlockNum, "ceil(10/4)")
	assert.Equal(t, 12, cfg.DecTokenNum)
}

func TestCheck_RejectsIllegalShapes(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"batch too large", func(c *Config) { c.MaxBatchSize = 300 }},
		{"batch zero", func(c *Config) { c.MaxBatchSize = 0 }},
		{"block size zero", func(c *Config) { c.BlockSize = 0 }},
		{"ratio zero", func(c *Config) { c.BlockRatio = 0 }},
		{"ratio above one", func(c *Config) { c.BlockRatio = 1.5 }},
		{"seq limit above model", func(c *Config) { c.SeqLenLimit = 99 }},
		{"dec limit above model", func(c *Config) { c.DecLenLimit = 99 }},
		{"mp_num zero", func(c *Config) { c.MPNum = 0 }},
	}
	for _, tc := range cases {
		cfg := testConfig()
		cfg.BlockRatio = 0.75
		tc.mutate(cfg)
		assert.Error(t, cfg.Check(), tc.name)
	}
}

func TestApplyFile_OverlaysYAML(t *testing.T) {
	// GIVEN a YAML file overriding two knobs
	dir := t.TempDir()
	path := filepath.Join(dir, "serving.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_batch_size: 8\nblock_size: 2\n"), 0o644))
	cfg := testConfig()
	cfg.BlockRatio = 0.75

	// WHEN applied
	require.NoError(t, cfg.ApplyFile(path))

	// THEN the file values win and untouched fields survive
	assert.Equal(t, 8, cfg.MaxBatchSize)
	assert.Equal(t, 2, cfg.BlockSize)
	assert.Equal(t, 16, cfg.MaxSeqLen)
}

func TestLoadConfigFromEnv_ModelConfigOverrides(t *testing.T) {
	// GIVEN an exported model dir with a config.json
	dir := t.TempDir()
	raw := []byte(`{"max_length": 2048, "infer_model_block_size": 8, "infer_model_max_seq_len": 32}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), raw, 0o644))
	t.Setenv("MODEL_DIR", dir)
	t.Setenv("MAX_BATCH_SIZE", "4")
	t.Setenv("MAX_SEQ_LEN", "16")
	t.Setenv("MAX_DEC_LEN", "8")
	t.Setenv("BLOCK_SIZE", "4")
	t.Setenv("BLOCK_BS", "2")
	t.Setenv("BLOCK_RATIO", "0.75")
	t.Setenv("ENC_DEC_BLOCK_NUM", "1")

	// WHEN loaded
	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)

	// THEN the exported model is authoritative
	assert.Equal(t, 8, cfg.BlockSize)
	assert.Equal(t, 32, cfg.MaxSeqLen)
	assert.Equal(t, 2048, cfg.ModelMaxLength)
}

func TestLoadConfigFromEnv_UnreachableModelDirFails(t *testing.T) {
	t.Setenv("MODEL_DIR", "/nonexistent/model/dir")
	_, err := LoadConfigFromEnv()
	assert.Error(t, err)
}

func TestSrcLength_ClampsAtZero(t *testing.T) {
	cfg := &Config{ModelMaxLength: 1024, SeqLenLimit: 16}
	assert.Equal(t, 1008, cfg.SrcLength())
	cfg = &Config{ModelMaxLength: 8, SeqLenLimit: 16}
	assert.Equal(t, 0, cfg.SrcLength())
}
