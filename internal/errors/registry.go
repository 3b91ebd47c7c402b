package errors

import "sort"

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// Config errors (W100-W199)

	"W101": {
		Category:   CategoryConfig,
		Message:    "Invalid configuration file",
		Detail:     "The configuration file exists but could not be read or parsed as JSON.",
		Suggestion: "Check the file for syntax errors or remove it to use defaults",
	},
	"W102": {
		Category: CategoryConfig,
		Message:  "Invalid configuration value",
		Detail:   "A configuration value is out of range or malformed.",
	},
	"W103": {
		Category:   CategoryConfig,
		Message:    "Invalid environment variable",
		Detail:     "A WTHR_* environment variable could not be parsed.",
		Suggestion: "Durations use Go syntax such as 30s, 5m or 24h",
	},

	// Network errors (W200-W299)

	"W201": {
		Category:   CategoryNetwork,
		Message:    "Invalid port",
		Detail:     "The port is neither a number in 0-65535 nor a known TCP service name.",
		Suggestion: "Pass a decimal port such as 8080",
	},
	"W202": {
		Category:   CategoryNetwork,
		Message:    "Cannot bind listening socket",
		Detail:     "No address family could be bound on the requested port.",
		Suggestion: "Pick a free port or stop the process using it",
	},
	"W203": {
		Category: CategoryNetwork,
		Message:  "Event loop failed",
		Detail:   "Waiting for socket readiness failed and the server cannot continue.",
	},
	"W204": {
		Category: CategoryNetwork,
		Message:  "Unsupported platform",
		Detail:   "The server relies on Linux poll(2) semantics for hangup detection.",
	},
	"W205": {
		Category:   CategoryNetwork,
		Message:    "Admin endpoint failed",
		Detail:     "The HTTP listener for metrics and health checks stopped unexpectedly.",
		Suggestion: "Check --metrics-addr or disable it with an empty value",
	},

	// CLI errors (W300-W399)

	"W301": {
		Category:   CategoryCLI,
		Message:    "Invalid arguments",
		Detail:     "The command expects exactly one argument: the port to listen on.",
		Suggestion: "Run: wthr <port>",
	},
}

// GetAllCodes returns all registered error codes in order.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}

// Register adds a new error template to the registry.
func Register(code string, template ErrorTemplate) {
	registry[code] = template
}
