package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gravixrdp/yt-automation/internal/models"
)

// FileOverlay is the optional YAML document named by SCHEDULER_CONFIG_FILE.
// Non-empty values replace what the environment provided.
type FileOverlay struct {
	Destinations    []models.Destination `yaml:"destinations"`
	StaticMappings  map[string]string    `yaml:"static_mappings"`
	QuotaPools      []string             `yaml:"quota_pools"`
	UploadSlots     []string             `yaml:"upload_slots"`
	DisplayTimezone string               `yaml:"display_timezone"`
	UploadsPerDay   int                  `yaml:"uploads_per_day_per_dest"`
	Uploaders       map[string]string    `yaml:"uploader_commands"`
}

// ApplyFile reads a YAML overlay from path and merges it into c
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return c.ApplyYAML(data)
}

// ApplyYAML merges a YAML overlay document into c
func (c *Config) ApplyYAML(data []byte) error {
	var overlay FileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if len(overlay.Destinations) > 0 {
		c.Destinations = overlay.Destinations
	}
	if len(overlay.StaticMappings) > 0 {
		if c.StaticMappings == nil {
			c.StaticMappings = make(map[string]string)
		}
		for k, v := range overlay.StaticMappings {
			c.StaticMappings[k] = v
		}
	}
	if len(overlay.Uploaders) > 0 {
		if c.UploaderCommands == nil {
			c.UploaderCommands = make(map[string]string)
		}
		for k, v := range overlay.Uploaders {
			c.UploaderCommands[k] = v
		}
	}
	if len(overlay.QuotaPools) > 0 {
		c.Quota.Pools = overlay.QuotaPools
	}
	if len(overlay.UploadSlots) > 0 {
		c.Scheduler.UploadSlots = overlay.UploadSlots
	}
	if overlay.DisplayTimezone != "" {
		c.Scheduler.DisplayTimezone = overlay.DisplayTimezone
	}
	if overlay.UploadsPerDay > 0 {
		c.Scheduler.UploadsPerDayPerDest = overlay.UploadsPerDay
	}
	return nil
}
