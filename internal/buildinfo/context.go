// Package buildinfo contains build-time metadata kept apart from user configuration.
package buildinfo

import "github.com/google/uuid"

// UnknownValue is reported for metadata that was not injected at build time.
const UnknownValue = "unknown"

// BuildInfo provides access to build-time metadata.
type BuildInfo interface {
	// GetVersion returns the build version string
	GetVersion() string
	// GetBuildDate returns the build date string
	GetBuildDate() string
	// GetSessionID returns the identifier of this process run
	GetSessionID() string
}

// Context contains build-time metadata plus the id of the current run,
// used to correlate log lines and error reports.
type Context struct {
	// Version holds the Git version tag from build
	Version string

	// BuildDate is the time when the binary was built
	BuildDate string

	// SessionID is a random id generated at startup
	SessionID string
}

// NewContext returns build metadata with a fresh session id.
func NewContext(version, buildDate string) *Context {
	return &Context{
		Version:   version,
		BuildDate: buildDate,
		SessionID: uuid.NewString(),
	}
}

func valueOr(v string) string {
	if v == "" {
		return UnknownValue
	}
	return v
}

// GetVersion implements BuildInfo.GetVersion
func (c *Context) GetVersion() string {
	if c == nil {
		return UnknownValue
	}
	return valueOr(c.Version)
}

// GetBuildDate implements BuildInfo.GetBuildDate
func (c *Context) GetBuildDate() string {
	if c == nil {
		return UnknownValue
	}
	return valueOr(c.BuildDate)
}

// GetSessionID implements BuildInfo.GetSessionID
func (c *Context) GetSessionID() string {
	if c == nil {
		return UnknownValue
	}
	return valueOr(c.SessionID)
}
