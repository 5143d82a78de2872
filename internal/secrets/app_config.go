package secrets

import (
	"fmt"
	"regexp"
)

// DefaultFileMode is applied when an app config does not specify one
const DefaultFileMode = "0644"

var fileModePattern = regexp.MustCompile(`^0?[0-7]{3}$`)

// AppConfig is the configuration file an agent materializes for one application
type AppConfig struct {
	Content         string `json:"content" binding:"required"`
	ContentType     string `json:"content_type"`
	DestinationPath string `json:"destination_path" binding:"required"`
	FileMode        string `json:"file_mode"`
	Owner           string `json:"owner,omitempty"`
	Group           string `json:"group,omitempty"`
}

// Normalize fills defaults and validates the file mode
func (c *AppConfig) Normalize() error {
	if c.ContentType == "" {
		c.ContentType = "text/plain"
	}
	if c.FileMode == "" {
		c.FileMode = DefaultFileMode
	}
	if !fileModePattern.MatchString(c.FileMode) {
		return fmt.Errorf("invalid file_mode %q", c.FileMode)
	}
	return nil
}

// ToMap encodes the config as a secret document
func (c AppConfig) ToMap() map[string]interface{} {
	doc := map[string]interface{}{
		"content":          c.Content,
		"content_type":     c.ContentType,
		"destination_path": c.DestinationPath,
		"file_mode":        c.FileMode,
	}
	if c.Owner != "" {
		doc["owner"] = c.Owner
	}
	if c.Group != "" {
		doc["group"] = c.Group
	}
	return doc
}

// AppConfigFromMap decodes a secret document
func AppConfigFromMap(doc map[string]interface{}) AppConfig {
	str := func(key string) string {
		s, _ := doc[key].(string)
		return s
	}
	cfg := AppConfig{
		Content:         str("content"),
		ContentType:     str("content_type"),
		DestinationPath: str("destination_path"),
		FileMode:        str("file_mode"),
		Owner:           str("owner"),
		Group:           str("group"),
	}
	if cfg.FileMode == "" {
		cfg.FileMode = DefaultFileMode
	}
	return cfg
}
