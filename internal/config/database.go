package config

// Environment variable names for the database settings. They double as the
// names reported when a run is missing a required setting.
const (
	EnvSourceHost     = "UTSUSHI_SOURCE_HOST"
	EnvSourceUser     = "UTSUSHI_SOURCE_USER"
	EnvSourcePassword = "UTSUSHI_SOURCE_PASSWORD"
	EnvSourcePort     = "UTSUSHI_SOURCE_PORT"
	EnvTargetHost     = "UTSUSHI_TARGET_HOST"
	EnvTargetUser     = "UTSUSHI_TARGET_USER"
	EnvTargetPassword = "UTSUSHI_TARGET_PASSWORD"
	EnvTargetDB       = "UTSUSHI_TARGET_DB"
	EnvTargetPort     = "UTSUSHI_TARGET_PORT"
)

// DatabaseSettings describes how the resource group's source and target
// instances are reached from inside the group's network. Ports are the
// container-internal ports, not the published ones.
type DatabaseSettings struct {
	SourceHost     string
	SourceUser     string
	SourcePassword string
	SourcePort     string

	TargetHost     string
	TargetUser     string
	TargetPassword string
	TargetDB       string
	TargetPort     string
}

// Missing returns the environment variable names of every unset setting, in
// declaration order. An empty result means the settings are complete.
func (d DatabaseSettings) Missing() []string {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{EnvSourceHost, d.SourceHost},
		{EnvSourceUser, d.SourceUser},
		{EnvSourcePassword, d.SourcePassword},
		{EnvSourcePort, d.SourcePort},
		{EnvTargetHost, d.TargetHost},
		{EnvTargetUser, d.TargetUser},
		{EnvTargetPassword, d.TargetPassword},
		{EnvTargetDB, d.TargetDB},
		{EnvTargetPort, d.TargetPort},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Env renders the settings as environment overrides for the container CLI,
// so the resource-group definition can reference them.
func (d DatabaseSettings) Env() map[string]string {
	return map[string]string{
		EnvSourceUser:     d.SourceUser,
		EnvSourcePassword: d.SourcePassword,
		EnvSourcePort:     d.SourcePort,
		EnvTargetUser:     d.TargetUser,
		EnvTargetPassword: d.TargetPassword,
		EnvTargetDB:       d.TargetDB,
		EnvTargetPort:     d.TargetPort,
	}
}
