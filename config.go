package filedrop

import "encoding/json"

// Default limits applied when the start config leaves them unset.
const (
	DefaultDirDepthLimit     = 5
	DefaultTransferFileLimit = 1000
)

// Config is the JSON document accepted by Start. Zero limits fall back to
// the defaults; an empty StoragePath keeps the history in memory.
type Config struct {
	DirDepthLimit     int    `json:"dir_depth_limit"`
	TransferFileLimit int    `json:"transfer_file_limit"`
	StoragePath       string `json:"storage_path"`
}

// ParseConfig decodes and defaults a start configuration.
func ParseConfig(raw string) (Config, error) {
	cfg := Config{}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, newError(CodeJsonParse, err, "parsing instance config")
	}
	if cfg.DirDepthLimit <= 0 {
		cfg.DirDepthLimit = DefaultDirDepthLimit
	}
	if cfg.TransferFileLimit <= 0 {
		cfg.TransferFileLimit = DefaultTransferFileLimit
	}
	return cfg, nil
}
