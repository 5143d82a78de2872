package secrets

import (
	"fmt"
	"regexp"
	"strings"
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Paths derives deterministic secret locations from a deployment hash.
//
//	{prefix}/{deployment_hash}/token
//	{prefix}/{deployment_hash}/apps/{app_name}/config
type Paths struct {
	Prefix string
}

// AgentToken returns the path of the agent bearer token for a deployment
func (p Paths) AgentToken(deploymentHash string) (string, error) {
	if err := checkSegment("deployment_hash", deploymentHash); err != nil {
		return "", err
	}
	return p.join(deploymentHash, "token"), nil
}

// AppConfig returns the path of an application's configuration blob
func (p Paths) AppConfig(deploymentHash, appName string) (string, error) {
	if err := checkSegment("deployment_hash", deploymentHash); err != nil {
		return "", err
	}
	if err := checkSegment("app_name", appName); err != nil {
		return "", err
	}
	return p.join(deploymentHash, "apps", appName, "config"), nil
}

func (p Paths) join(parts ...string) string {
	prefix := strings.Trim(p.Prefix, "/")
	if prefix == "" {
		return strings.Join(parts, "/")
	}
	return prefix + "/" + strings.Join(parts, "/")
}

func checkSegment(name, value string) error {
	if value == "" || value == "." || value == ".." || !segmentPattern.MatchString(value) {
		return fmt.Errorf("%w: %s %q", ErrInvalidPath, name, value)
	}
	return nil
}
