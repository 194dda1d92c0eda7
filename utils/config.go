package utils

import (
	"io/ioutil"
	"strconv"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/alpacahq/txlog/utils/log"
)

const (
	DefaultSegmentSize       = 128 * bytefmt.KILOBYTE
	DefaultBufferSize        = 4 * DefaultSegmentSize
	DefaultRotationThreshold = 256 * bytefmt.MEGABYTE
)

// LogConfig is the transaction log section of the server configuration.
type LogConfig struct {
	LogDirectory            string
	SegmentSize             int
	BufferSize              int
	RotationThreshold       uint64
	FailOnCorruptedLogFiles bool
	PreallocateLogs         bool
	KeepLogFiles            int
	LogLevel                log.Level
}

// NewLogConfig returns the configuration used when no file overrides it.
func NewLogConfig(dir string) *LogConfig {
	return &LogConfig{
		LogDirectory:            dir,
		SegmentSize:             DefaultSegmentSize,
		BufferSize:              DefaultBufferSize,
		RotationThreshold:       DefaultRotationThreshold,
		FailOnCorruptedLogFiles: true,
		KeepLogFiles:            -1,
		LogLevel:                log.INFO,
	}
}

// LoadLogConfig reads and parses a YAML configuration file.
func LoadLogConfig(path string) (*LogConfig, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}
	c := NewLogConfig("")
	if err := c.Parse(data); err != nil {
		return nil, errors.Wrapf(err, "parse config file %s", path)
	}
	return c, nil
}

func (c *LogConfig) Parse(data []byte) error {
	var aux struct {
		LogDirectory            string `yaml:"log_directory"`
		SegmentSize             string `yaml:"segment_size"`
		BufferSize              string `yaml:"buffer_size"`
		RotationThreshold       string `yaml:"rotation_threshold"`
		FailOnCorruptedLogFiles string `yaml:"fail_on_corrupted_log_files"`
		PreallocateLogs         string `yaml:"preallocate_logs"`
		KeepLogFiles            *int   `yaml:"keep_log_files"`
		LogLevel                string `yaml:"log_level"`
	}

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return errors.Wrap(err, "unmarshal yaml")
	}

	if aux.LogDirectory == "" {
		return errors.New("invalid log directory")
	}
	c.LogDirectory = aux.LogDirectory

	if aux.SegmentSize != "" {
		n, err := ParseSize(aux.SegmentSize)
		if err != nil {
			return errors.Wrap(err, "segment_size")
		}
		c.SegmentSize = int(n)
	}
	if aux.BufferSize != "" {
		n, err := ParseSize(aux.BufferSize)
		if err != nil {
			return errors.Wrap(err, "buffer_size")
		}
		c.BufferSize = int(n)
	}
	if aux.RotationThreshold != "" {
		n, err := ParseSize(aux.RotationThreshold)
		if err != nil {
			return errors.Wrap(err, "rotation_threshold")
		}
		c.RotationThreshold = n
	}

	if aux.FailOnCorruptedLogFiles != "" {
		failOnCorrupted, err := strconv.ParseBool(aux.FailOnCorruptedLogFiles)
		if err != nil {
			log.Error("Invalid value: %v for fail_on_corrupted_log_files. Failing on corruption...",
				aux.FailOnCorruptedLogFiles)
		} else {
			c.FailOnCorruptedLogFiles = failOnCorrupted
		}
	}

	if aux.PreallocateLogs != "" {
		preallocate, err := strconv.ParseBool(aux.PreallocateLogs)
		if err != nil {
			log.Error("Invalid value: %v for preallocate_logs. Disabling preallocation...", aux.PreallocateLogs)
		} else {
			c.PreallocateLogs = preallocate
		}
	}

	// absent keeps every old version
	if aux.KeepLogFiles != nil {
		if *aux.KeepLogFiles < 0 {
			return errors.Errorf("keep_log_files must not be negative, got %d", *aux.KeepLogFiles)
		}
		c.KeepLogFiles = *aux.KeepLogFiles
	}

	if aux.LogLevel != "" {
		c.LogLevel = log.ParseLevel(aux.LogLevel)
		log.SetLevel(c.LogLevel)
	}

	return nil
}

// ParseSize accepts plain byte counts ("4096") and bytefmt units ("128K", "256MB").
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	return bytefmt.ToBytes(s)
}
