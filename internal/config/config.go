package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds the relay server configuration, loaded from the
// environment with the AFKBOT prefix.
type Settings struct {
	Host         string `envconfig:"HOST" default:"0.0.0.0"`
	Port         int    `envconfig:"PORT" default:"8443"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"afkbot.db"`

	// PublicURL is the externally reachable base URL, used to build
	// pairing verification links.
	PublicURL string `envconfig:"PUBLIC_URL" default:"http://localhost:8443"`

	// PushGatewayURL is where idle/ended notifications are POSTed.
	// Empty disables push dispatch.
	PushGatewayURL string `envconfig:"PUSH_GATEWAY_URL" default:""`

	LogFile string `envconfig:"LOG_FILE" default:""`
	Debug   bool   `envconfig:"DEBUG" default:"false"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("AFKBOT", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
