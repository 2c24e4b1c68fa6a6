// Package loader generates the data-loader command file and classifies the
// loader's output.
//
// The loader is pgloader: it reads a command file naming a MySQL source URI
// and a PostgreSQL target URI, creates the target schema, copies the rows and
// resets sequences. The command file embeds credentials, so it is written
// with owner-only permissions and never echoed to session logs.
package loader

import (
	"fmt"
	"os"
	"strings"

	"github.com/ashita-ai/utsushi/internal/config"
)

// ConfigError reports every required database setting that is unset.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("loader: missing required settings: %s", strings.Join(e.Missing, ", "))
}

// Endpoint is one side of the transfer as reached from inside the resource
// group's network.
type Endpoint struct {
	User     string
	Password string
	Host     string
	Port     string
	Database string
}

// Spec is a complete, validated loader configuration.
type Spec struct {
	Source Endpoint
	Target Endpoint

	Workers             int
	Concurrency         int
	ExcludeTablePattern string
}

// NewSpec assembles a Spec for a source database named sourceDB. It fails
// with *ConfigError before anything is written if any setting is missing.
func NewSpec(db config.DatabaseSettings, sourceDB string, opts config.LoaderConfig) (Spec, error) {
	missing := db.Missing()
	if sourceDB == "" {
		missing = append(missing, "source database name")
	}
	if len(missing) > 0 {
		return Spec{}, &ConfigError{Missing: missing}
	}
	return Spec{
		Source: Endpoint{
			User:     db.SourceUser,
			Password: db.SourcePassword,
			Host:     db.SourceHost,
			Port:     db.SourcePort,
			Database: sourceDB,
		},
		Target: Endpoint{
			User:     db.TargetUser,
			Password: db.TargetPassword,
			Host:     db.TargetHost,
			Port:     db.TargetPort,
			Database: db.TargetDB,
		},
		Workers:             opts.Workers,
		Concurrency:         opts.Concurrency,
		ExcludeTablePattern: opts.ExcludeTablePattern,
	}, nil
}

// SourceURI is the MySQL connection URI of the source.
func (s Spec) SourceURI() string {
	return endpointURI("mysql", s.Source)
}

// TargetURI is the PostgreSQL connection URI of the target.
func (s Spec) TargetURI() string {
	return endpointURI("postgresql", s.Target)
}

func endpointURI(scheme string, e Endpoint) string {
	return fmt.Sprintf("%s://%s:%s@%s:%s/%s",
		scheme, EscapeUserInfo(e.User), EscapeUserInfo(e.Password), e.Host, e.Port, e.Database)
}

// Render produces the pgloader command file. MySQL tables land in a schema
// named after the source database; it is renamed to public so the export
// restores into any database.
func (s Spec) Render() string {
	var b strings.Builder
	b.WriteString("LOAD DATABASE\n")
	fmt.Fprintf(&b, "     FROM %s\n", s.SourceURI())
	fmt.Fprintf(&b, "     INTO %s\n\n", s.TargetURI())
	b.WriteString(" WITH include drop, create tables, create indexes, reset sequences,\n")
	fmt.Fprintf(&b, "      workers = %d, concurrency = %d\n\n", s.Workers, s.Concurrency)
	fmt.Fprintf(&b, " ALTER SCHEMA '%s' RENAME TO 'public'\n", s.Source.Database)
	if s.ExcludeTablePattern != "" {
		fmt.Fprintf(&b, "\n EXCLUDING TABLE NAMES MATCHING %s\n", s.ExcludeTablePattern)
	}
	b.WriteString(";\n")
	return b.String()
}

// WriteFile renders s to path.
func (s Spec) WriteFile(path string) error {
	if err := os.WriteFile(path, []byte(s.Render()), 0o600); err != nil {
		return fmt.Errorf("loader: write command file: %w", err)
	}
	return nil
}

// reserved lists the bytes percent-encoded in URI user info. '%' and space
// are included so escaped values decode unambiguously.
const reserved = ":'@/?#[]% "

// EscapeUserInfo percent-encodes the URI-reserved characters of a user name
// or password so it can be embedded in a connection URI.
func EscapeUserInfo(s string) string {
	if !strings.ContainsAny(s, reserved) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(reserved, c) >= 0 {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
