// Package config loads run configurations: a YAML file merged with dotted
// key=value overrides from the command line.
package config

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/phuslu/log"
	"gopkg.in/yaml.v3"

	"github.com/knights-analytics/showo/util/fileutil"
)

const (
	ModeT2I      = "t2i"
	ModeMMU      = "mmu"
	ModeRevision = "revision"
)

type Config struct {
	raw                   map[string]any
	MaskSchedule          *MaskSchedule `mapstructure:"mask_schedule"`
	Experiment            Experiment    `mapstructure:"experiment"`
	Wandb                 Tracking      `mapstructure:"wandb"`
	Mode                  string        `mapstructure:"mode"`
	Prompt                string        `mapstructure:"prompt"`
	Question              string        `mapstructure:"question"`
	ValidationPromptsFile string        `mapstructure:"validation_prompts_file"`
	MMUImageRoot          string        `mapstructure:"mmu_image_root"`
	Model                 Model         `mapstructure:"model"`
	Dataset               Dataset       `mapstructure:"dataset"`
	Training              Training      `mapstructure:"training"`
	BatchSize             int           `mapstructure:"batch_size"`
	GuidanceScale         float64       `mapstructure:"guidance_scale"`
	GenerationTimesteps   int           `mapstructure:"generation_timesteps"`
	MaxNewTokens          int           `mapstructure:"max_new_tokens"`
}

type Experiment struct {
	Name      string `mapstructure:"name"`
	Project   string `mapstructure:"project"`
	OutputDir string `mapstructure:"output_dir"`
}

// Tracking configures the run log. The key stays "wandb" so existing
// configuration files load unchanged.
type Tracking struct {
	Entity         string `mapstructure:"entity"`
	RunID          string `mapstructure:"run_id"`
	Dir            string `mapstructure:"dir"`
	FlightAddress  string `mapstructure:"flight_address"`
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Resume         bool   `mapstructure:"resume"`
}

type Model struct {
	Showo   ShowoModel `mapstructure:"showo"`
	VQModel VQModel    `mapstructure:"vq_model"`
}

type ShowoModel struct {
	LLMModelPath        string `mapstructure:"llm_model_path"`
	PretrainedModelPath string `mapstructure:"pretrained_model_path"`
	OnnxFilename        string `mapstructure:"onnx_filename"`
	MaskTokenID         int64  `mapstructure:"mask_token_id"`
	LLMVocabSize        int    `mapstructure:"llm_vocab_size"`
	NumNewSpecialTokens int    `mapstructure:"num_new_special_tokens"`
	CodebookSize        int    `mapstructure:"codebook_size"`
	NumVQTokens         int    `mapstructure:"num_vq_tokens"`
}

type VQModel struct {
	Type            string `mapstructure:"type"`
	VQModelName     string `mapstructure:"vq_model_name"`
	DecoderFilename string `mapstructure:"decoder_filename"`
	EncoderFilename string `mapstructure:"encoder_filename"`
}

type Dataset struct {
	Params        DatasetParams `mapstructure:"params"`
	Preprocessing Preprocessing `mapstructure:"preprocessing"`
}

type DatasetParams struct {
	ValidationPromptsFile string `mapstructure:"validation_prompts_file"`
}

type Preprocessing struct {
	MaxSeqLength int `mapstructure:"max_seq_length"`
	Resolution   int `mapstructure:"resolution"`
}

type MaskSchedule struct {
	Params   map[string]any `mapstructure:"params"`
	Schedule string         `mapstructure:"schedule"`
}

type Training struct {
	NoiseType             string  `mapstructure:"noise_type"`
	MaskSchedule          string  `mapstructure:"mask_schedule"`
	BatchSize             int     `mapstructure:"batch_size"`
	GuidanceScale         float64 `mapstructure:"guidance_scale"`
	GenerationTimesteps   int     `mapstructure:"generation_timesteps"`
	GenerationTemperature float64 `mapstructure:"generation_temperature"`
	CondDropoutProb       float64 `mapstructure:"cond_dropout_prob"`
	Seed                  *uint64 `mapstructure:"seed"`
}

// KeyValue is one flattened configuration entry.
type KeyValue struct {
	Value any
	Key   string
}

func defaults() map[string]any {
	return map[string]any{
		"mode":                 ModeRevision,
		"batch_size":           1,
		"guidance_scale":       0.0,
		"generation_timesteps": 18,
		"max_new_tokens":       100,
		"experiment":           map[string]any{"project": "demo", "output_dir": "output"},
		"wandb":                map[string]any{"resume": "auto", "dir": "runs"},
		"model": map[string]any{
			"vq_model": map[string]any{"type": "magvitv2"},
		},
		"dataset": map[string]any{
			"preprocessing": map[string]any{"max_seq_length": 128, "resolution": 256},
		},
		"training": map[string]any{
			"generation_temperature": 1.0,
			"noise_type":             "mask",
			"mask_schedule":          "cosine",
		},
	}
}

// ParseArgs splits command line arguments into the config file (config=path)
// and the remaining dotted overrides.
func ParseArgs(args []string) (string, []string) {
	var path string
	var overrides []string
	for _, arg := range args {
		if value, ok := strings.CutPrefix(arg, "config="); ok {
			path = value
			continue
		}
		overrides = append(overrides, arg)
	}
	return path, overrides
}

// Load reads the YAML file at path (local or s3), applies the overrides and
// decodes the result. path may be empty.
func Load(path string, overrides []string) (*Config, error) {
	raw := defaults()
	if path != "" {
		data, err := fileutil.ReadFileBytes(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		var fromFile map[string]any
		if err = yaml.Unmarshal(data, &fromFile); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		merge(raw, fromFile)
	}
	for _, override := range overrides {
		if err := applyOverride(raw, override); err != nil {
			return nil, err
		}
	}
	cfg := &Config{raw: raw}
	if err := cfg.decode(); err != nil {
		return nil, err
	}
	cfg.applyUserArgs()
	return cfg, nil
}

func (c *Config) decode() error {
	var metadata mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		WeaklyTypedInput: true,
		Metadata:         &metadata,
		DecodeHook:       resumeHook,
	})
	if err != nil {
		return err
	}
	if err = decoder.Decode(c.raw); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	if len(metadata.Unused) > 0 {
		slices.Sort(metadata.Unused)
		log.Debug().Strs("keys", metadata.Unused).Msg("config keys not used by showo")
	}
	return nil
}

// resumeHook accepts the "auto", "allow" and "never" resume modes as booleans.
func resumeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	s, ok := data.(string)
	if !ok || to.Kind() != reflect.Bool {
		return data, nil
	}
	switch strings.ToLower(s) {
	case "auto", "allow", "must":
		return true, nil
	case "never", "":
		return false, nil
	}
	return data, nil
}

// applyUserArgs copies the top level arguments into the sections that use them.
func (c *Config) applyUserArgs() {
	if c.ValidationPromptsFile != "" {
		c.Dataset.Params.ValidationPromptsFile = c.ValidationPromptsFile
	}
	c.Training.BatchSize = c.BatchSize
	c.Training.GuidanceScale = c.GuidanceScale
	c.Training.GenerationTimesteps = c.GenerationTimesteps
}

// SetRunID records the tracking run id so it is part of the flattened config.
func (c *Config) SetRunID(id string) {
	c.Wandb.RunID = id
	wandb, ok := c.raw["wandb"].(map[string]any)
	if !ok {
		wandb = map[string]any{}
		c.raw["wandb"] = wandb
	}
	wandb["run_id"] = id
}

// Get returns the raw value at a dotted key.
func (c *Config) Get(key string) (any, bool) {
	var current any = c.raw
	for _, part := range strings.Split(key, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Flatten returns every leaf as a dotted key, list entries indexed, sorted by key.
func (c *Config) Flatten() []KeyValue {
	var out []KeyValue
	flatten("", c.raw, &out)
	slices.SortFunc(out, func(a, b KeyValue) int { return strings.Compare(a.Key, b.Key) })
	return out
}

func flatten(prefix string, value any, out *[]KeyValue) {
	switch v := value.(type) {
	case map[string]any:
		for _, k := range slices.Sorted(maps.Keys(v)) {
			flatten(join(prefix, k), v[k], out)
		}
	case []any:
		for i, item := range v {
			flatten(join(prefix, strconv.Itoa(i)), item, out)
		}
	default:
		*out = append(*out, KeyValue{Key: prefix, Value: v})
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Validate reports every missing or invalid key for the selected mode.
func (c *Config) Validate() error {
	var validationErrors []error
	required := func(key, value string) {
		if value == "" {
			validationErrors = append(validationErrors, fmt.Errorf("missing required key %s", key))
		}
	}
	required("experiment.name", c.Experiment.Name)
	required("model.showo.pretrained_model_path", c.Model.Showo.PretrainedModelPath)
	required("model.showo.llm_model_path", c.Model.Showo.LLMModelPath)
	required("model.vq_model.type", c.Model.VQModel.Type)
	required("model.vq_model.vq_model_name", c.Model.VQModel.VQModelName)
	if c.Dataset.Preprocessing.MaxSeqLength < 2 {
		validationErrors = append(validationErrors, fmt.Errorf("dataset.preprocessing.max_seq_length must be at least 2, got %d", c.Dataset.Preprocessing.MaxSeqLength))
	}
	if c.BatchSize <= 0 {
		validationErrors = append(validationErrors, fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.GenerationTimesteps <= 0 {
		validationErrors = append(validationErrors, fmt.Errorf("generation_timesteps must be positive, got %d", c.GenerationTimesteps))
	}
	if c.MaxNewTokens <= 0 {
		validationErrors = append(validationErrors, fmt.Errorf("max_new_tokens must be positive, got %d", c.MaxNewTokens))
	}
	switch c.Mode {
	case ModeRevision:
		required("prompt", c.Prompt)
		required("question", c.Question)
	case ModeT2I:
		if c.Prompt == "" && c.Dataset.Params.ValidationPromptsFile == "" {
			validationErrors = append(validationErrors, errors.New("t2i needs prompt or validation_prompts_file"))
		}
	case ModeMMU:
		required("mmu_image_root", c.MMUImageRoot)
		required("question", c.Question)
	default:
		validationErrors = append(validationErrors, fmt.Errorf("mode %q not supported", c.Mode))
	}
	return errors.Join(validationErrors...)
}

// ScheduleName and ScheduleParams select the mask schedule: the mask_schedule
// section when present, otherwise training.mask_schedule.
func (c *Config) ScheduleName() string {
	if c.MaskSchedule != nil && c.MaskSchedule.Schedule != "" {
		return c.MaskSchedule.Schedule
	}
	return c.Training.MaskSchedule
}

func (c *Config) ScheduleParams() map[string]any {
	if c.MaskSchedule != nil {
		return c.MaskSchedule.Params
	}
	return nil
}

func merge(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			merge(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
}

// applyOverride sets a.b.c=value, parsing value as a YAML scalar.
func applyOverride(raw map[string]any, override string) error {
	key, value, ok := strings.Cut(override, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("override %q is not of the form key=value", override)
	}
	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		return fmt.Errorf("parsing value of %s: %w", key, err)
	}
	if parsed == nil && value != "" && value != "null" && value != "~" {
		parsed = value
	}
	parts := strings.Split(key, ".")
	current := raw
	for _, part := range parts[:len(parts)-1] {
		next, isMap := current[part].(map[string]any)
		if !isMap {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = parsed
	return nil
}
