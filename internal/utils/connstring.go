package utils

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// ExtractServerNameFromConnectionString extracts the server name from a
// sqlserver:// connection string. Localhost and IP addresses resolve to the
// machine's hostname so lock names stay meaningful across deployments.
func ExtractServerNameFromConnectionString(connectionString string) (string, error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("failed to parse connection string: %w", err)
	}

	host := strings.Split(u.Host, ":")[0] // Remove port if present
	if host == "" {
		return "", fmt.Errorf("server name not found in connection string")
	}

	if strings.EqualFold(host, "localhost") || net.ParseIP(host) != nil {
		hostname, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("failed to get hostname: %w", err)
		}
		host = hostname
	}

	return strings.ToLower(strings.Split(host, ".")[0]), nil
}
