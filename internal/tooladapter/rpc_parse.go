package tooladapter

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
)

// defaultRPCURLPattern matches lines like:
//
//	"2024/01/01 00:00:00 NOTICE: Serving Web GUI on http://127.0.0.1:5572/
//	 user rclone password s3cr3t"
//
// A real deployment's exact wording is configuration (spec.md §6: "the
// startup message matches the URL pattern from config"); this is the
// fallback used when no pattern is configured.
var defaultRPCURLPattern = regexp.MustCompile(
	`https?://(?P<host>[^:/\s]+):(?P<port>\d+)(?:/\S*)?(?:\s+user\s+(?P<user>\S+)\s+password\s+(?P<password>\S+))?`,
)

func parseRPCStartupLine(line, pattern string) (RPCEndpoint, error) {
	re := defaultRPCURLPattern

	if pattern != "" {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return RPCEndpoint{}, fmt.Errorf("tooladapter: invalid rpc url pattern: %w", err)
		}

		re = compiled
	}

	m := re.FindStringSubmatch(line)
	if m == nil {
		return RPCEndpoint{}, fmt.Errorf("tooladapter: startup line did not match RPC URL pattern: %q", line)
	}

	names := re.SubexpNames()
	groups := make(map[string]string, len(names))

	for i, name := range names {
		if name != "" && i < len(m) {
			groups[name] = m[i]
		}
	}

	port, err := strconv.Atoi(groups["port"])
	if err != nil {
		return RPCEndpoint{}, fmt.Errorf("tooladapter: invalid port in startup line: %w", err)
	}

	endpoint := RPCEndpoint{
		Host:     groups["host"],
		Port:     port,
		User:     groups["user"],
		Password: groups["password"],
	}

	if token := extractLoginToken(line); token != "" {
		endpoint.LoginToken = token
	}

	return endpoint, nil
}

var loginTokenPattern = regexp.MustCompile(`(?i)login\s+token[:\s]+(\S+)`)

func extractLoginToken(line string) string {
	m := loginTokenPattern.FindStringSubmatch(line)
	if m == nil {
		return ""
	}

	if decoded, err := url.QueryUnescape(m[1]); err == nil {
		return decoded
	}

	return m[1]
}
