// defaults.go: default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("scheduler.maxtimercount", 16)

	v.SetDefault("buffer.chunkbytes", 64*1024)
	v.SetDefault("buffer.capacitybytes", 1024*1024)
	v.SetDefault("buffer.maxcachecount", 4)

	v.SetDefault("manager.retrydelay", 100*time.Millisecond)
	v.SetDefault("manager.starvebackoff", time.Second)
	v.SetDefault("manager.waitretries", 20)
	v.SetDefault("manager.waitinterval", 100*time.Millisecond)
	v.SetDefault("manager.finishedttl", 10*time.Minute)

	v.SetDefault("input.maxchunkbytes", 128*1024)
	v.SetDefault("input.maxfinishedfiles", 3)

	v.SetDefault("output.device", "malgo")
	v.SetDefault("output.path", "out.wav")
	v.SetDefault("output.backend", "auto")
	v.SetDefault("output.latency", 200*time.Millisecond)
	v.SetDefault("output.bufferduration", time.Second)
	v.SetDefault("output.drainduration", 50*time.Millisecond)
	v.SetDefault("output.volume", 200)
	v.SetDefault("output.progressinterval", time.Second)
	v.SetDefault("output.starvetimeout", 10*time.Second)

	v.SetDefault("decoder.priority", map[string]int{})

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dsn", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "localhost:9464")
}
