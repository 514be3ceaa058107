package config

import (
	"log"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch re-decodes the config whenever the file viper read changes and
// hands the result to onChange. Invalid edits are logged and ignored, so the
// last good config stays in effect. It does nothing if no file was read.
func Watch(v *viper.Viper, logger *log.Logger, onChange func(*Config)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[config] ", log.LstdFlags)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Decode(v)
		if err != nil {
			logger.Printf("Ignoring config change in %s: %v", e.Name, err)
			return
		}
		logger.Printf("Reloaded config from %s", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
}
