// Package config loads the santosobot runtime configuration from a TOML file,
// a sibling .env file and SANTOSOBOT_* environment variables. The resulting
// Config value is validated once and handed to constructors; no component
// reads ambient configuration after startup.
package config
