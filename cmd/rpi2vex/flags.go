package main

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"prefix":       "recording.prefix",
	"dir":          "recording.dir",
	"quality":      "recording.quality",
	"debug":        "log.debug",
	"log-file":     "log.file",
	"width":        "camera.width",
	"height":       "camera.height",
	"framerate":    "camera.framerate",
	"bitrate":      "camera.bitrate",
	"iso":          "camera.iso",
	"hflip":        "camera.hflip",
	"vflip":        "camera.vflip",
	"board":        "serial.board",
	"tty":          "serial.tty",
	"model":        "inference.model",
	"debug-dir":    "inference.debug_dir",
	"journal":      "journal.path",
	"admin-listen": "admin.listen",
	"dev":          "dev.enabled",
	"fixture":      "dev.fixture",
	"dev-interval": "dev.interval",
	"shutdown":     "shutdown",
}

// bindFlags registers the link flags on fs and binds them to v. Defaults match
// the config defaults so help output is accurate; viper only takes a flag's
// value when it was set explicitly.
func bindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.StringP("prefix", "p", "rec", "recording file name prefix")
	fs.String("dir", ".", "directory for video and log files")
	fs.IntP("quality", "q", 23, "video quality, 1 (best) to 40")
	fs.BoolP("debug", "d", false, "verbose debug logging")
	fs.StringP("log-file", "l", "", "also write the log to this rotating file")

	fs.IntP("width", "w", 160, "video width in pixels")
	fs.Int("height", 120, "video height in pixels")
	fs.IntP("framerate", "f", 90, "video framerate, 0 for the camera default")
	fs.IntP("bitrate", "b", 0, "video bitrate in bits/s, 0 for unlimited")
	fs.IntP("iso", "i", 0, "camera ISO, 0 for automatic")
	fs.BoolP("hflip", "m", false, "mirror the image horizontally")
	fs.BoolP("vflip", "v", false, "flip the image vertically")

	fs.IntP("board", "r", 2, "Raspberry Pi board generation selecting the UART (2 or 3)")
	fs.String("tty", "", "serial device, overrides --board")

	fs.String("model", "", "classifier parameter file; empty drives a constant label")
	fs.String("debug-dir", "", "save every classified frame as capture<N>.png here")

	fs.String("journal", "", "sqlite journal path; empty disables journaling")
	fs.String("admin-listen", "", "debug HTTP listen address, e.g. localhost:8080")

	fs.Bool("dev", false, "replay a fixture instead of the UART and use a fake camera")
	fs.String("fixture", "", "file of link lines replayed in dev mode")
	fs.Duration("dev-interval", 200*time.Millisecond, "delay between replayed fixture lines")

	fs.BoolP("shutdown", "s", false, "power off after the robot terminates the link")

	for name, key := range flagKeys {
		// Lookup cannot fail: every key names a flag registered above.
		_ = v.BindPFlag(key, fs.Lookup(name))
	}
}

