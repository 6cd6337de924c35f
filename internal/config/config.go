// Package config resolves the single environment-driven setting this module
// reads directly: the domain used to derive every REST/long-poll endpoint.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

const defaultDomain = "caffeine.tv"

// Endpoints holds the base URLs derived once from the configured domain, per
// §6's three subdomains. Immutable after Load — captured once into an
// unexported struct value, never re-read per request.
type Endpoints struct {
	Domain   string
	API      string
	Realtime string
	Events   string
}

// Load reads LIBCAFFEINE_DOMAIN via viper's environment binding, defaulting
// to caffeine.tv, and derives the endpoint set.
func Load() (Endpoints, error) {
	v := viper.New()
	v.SetDefault("domain", defaultDomain)
	v.SetEnvPrefix("LIBCAFFEINE")
	v.AutomaticEnv()

	domain := v.GetString("domain")
	if err := validateDomain(domain); err != nil {
		return Endpoints{}, fmt.Errorf("config: %w", err)
	}

	return deriveEndpoints(domain), nil
}

func deriveEndpoints(domain string) Endpoints {
	return Endpoints{
		Domain:   domain,
		API:      "https://api." + domain,
		Realtime: "https://realtime." + domain,
		Events:   "https://events." + domain,
	}
}

// StageURL builds the Stage Protocol URL (§4.3) for the given username.
func (e Endpoints) StageURL(username string) string {
	return fmt.Sprintf("%s/v4/stage/%s", e.Realtime, username)
}
