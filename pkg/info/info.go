package info

import (
	"os"

	"github.com/google/uuid"
)

var (
	Version    = "0.0.0"
	Dist       = "1"
	GitRev     = "000000"
	BuildTime  = "2000-01-01_00:00:00"
	InstanceID = uuid.New().String()
)

var (
	EnvMode  = "development"
	EnvColor = false
)

func init() {
	mode := os.Getenv("ESCROWD_MODE")
	if mode != "" {
		EnvMode = mode
	}

	color := os.Getenv("ESCROWD_COLOR")
	EnvColor = color != "" && color != "false" && color != "0"
}
