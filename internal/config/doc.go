// Package config provides configuration loading for the wthr server.
//
// Settings are layered, later sources overriding earlier ones:
//
//  1. built-in defaults (New)
//  2. an optional wthr.json file
//  3. a .env file in the working directory, if present
//  4. WTHR_* environment variables
//  5. command-line flags, applied by the caller
//
// # Configuration File Structure
//
//	{
//	  "interval": "24h",
//	  "sendTimeout": "10s",
//	  "resolveTimeout": "5s",
//	  "generateTimeout": "15s",
//	  "maxConnections": 1000,
//	  "backlog": 10,
//	  "logLevel": "info",
//	  "logFormat": "text",
//	  "metricsAddr": ":9090",
//	  "ipinfoURL": "https://ipinfo.io",
//	  "ipinfoToken": "",
//	  "geoCacheTTL": "1h",
//	  "geoRateLimit": 10,
//	  "openMeteoURL": "https://api.open-meteo.com",
//	  "forecastCacheTTL": "15m",
//	  "fixedLocation": ""
//	}
//
// Durations are Go duration strings.
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv := server.New(cfg.ServerConfig("8080"), resolver, provider)
package config
