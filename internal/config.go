// Copyright 2024 MIMIRO AS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	ModeConstruct = "construct"
	ModeLinks     = "links"

	defaultConstructPageSize = 100000
	defaultLinksPageSize     = 50000
	defaultTargetPrefix      = "http://data.ordnancesurvey.co.uk/"
)

type Config struct {
	LogType     string
	LogLevel    string
	ServiceName string

	Mode      string
	APIKey    string
	Endpoint  string
	Operation string
	GraphBase string

	QueryDir       string
	QueryPattern   string
	DatasetsFile   string
	PropertiesFile string
	Datasets       []string
	Properties     []string
	TargetPrefix   string

	PageSize     int
	Termination  string
	Reporting    string
	Workers      int
	FetchTimeout int
	Retries      int

	Output      string
	Compression string
	EntitiesDir string
	Store       string
	StorePath   string

	StatusPort     int
	MemoryHeadroom int
	Authenticator  string
	JwtWellKnown   string
	TokenIssuer    string
	TokenAudience  string

	Profile                   string
	ProfileLoaderClientID     string
	ProfileLoaderClientSecret string
	ProfileLoaderAudience     string
	ProfileLoaderGrantType    string
	ProfileLoaderAuthEndpoint string
}

// Flags binds the configuration to a flag set. Zero page size, termination
// and reporting mean "use the default of the harvest mode".
func (c *Config) Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("linkharvester", pflag.ContinueOnError)
	fs.StringVar(&c.LogType, "log-type", "console", "Determines log type. Valid are console or json.")
	fs.StringVar(&c.LogLevel, "log-level", "info", "Log level. error, warn, trace, debug or info.")
	fs.StringVar(&c.ServiceName, "service", "datahub-linkharvester", "Override service name. For logging purposes.")

	fs.StringVar(&c.APIKey, "api-key", "", "API key passed to the remote endpoint. Prefer the API_KEY env var.")
	fs.StringVar(&c.Endpoint, "endpoint", "http://api.kasabi.com", "Base url of the remote query service.")
	fs.StringVar(&c.Operation, "operation", "sparql", "API operation queried on each dataset.")
	fs.StringVar(&c.GraphBase, "graph-base", "http://data.kasabi.com", "Base uri of the named graphs, one per dataset.")

	fs.StringVar(&c.QueryDir, "queries", "src/main/resources", "Directory holding one sub directory of query files per dataset.")
	fs.StringVar(&c.QueryPattern, "query-pattern", "*.rq", "Glob matching query files inside a dataset directory.")
	fs.StringVar(&c.DatasetsFile, "datasets", "datasets.properties", "File listing dataset names, one per line.")
	fs.StringVar(&c.PropertiesFile, "properties", "properties.properties", "File listing property uris, one per line.")
	fs.StringVar(&c.TargetPrefix, "target-prefix", defaultTargetPrefix, "Only uri objects starting with this prefix are kept in links mode.")

	fs.IntVar(&c.PageSize, "page-size", 0, "Rows requested per page. 0 uses the mode default.")
	fs.StringVar(&c.Termination, "termination", "", "exact-empty or short-page. Empty uses the mode default.")
	fs.StringVar(&c.Reporting, "reporting", "", "per-page or per-request. Empty uses the mode default.")
	fs.IntVar(&c.Workers, "workers", 1, "Number of requests harvested concurrently.")
	fs.IntVar(&c.FetchTimeout, "fetch-timeout", 300, "Timeout in seconds for a single page fetch.")
	fs.IntVar(&c.Retries, "retries", 0, "Retries for transient transport errors per page. 0 aborts the request on the first failure.")

	fs.StringVar(&c.Output, "output", "links.nq.gz", "Compressed n-quads output file.")
	fs.StringVar(&c.Compression, "compression", "", "gzip, zstd or lz4. Empty picks by output file extension.")
	fs.StringVar(&c.EntitiesDir, "entities-dir", "", "If set, also export every graph as gzipped entity ndjson into this directory.")
	fs.StringVar(&c.Store, "store", "memory", "Quad store backend. memory or sqlite.")
	fs.StringVar(&c.StorePath, "store-path", "target/quads.db", "Database file of the sqlite store.")

	fs.IntVar(&c.StatusPort, "status-port", 0, "Expose harvest status over http on this port. 0 disables.")
	fs.IntVar(&c.MemoryHeadroom, "memory-headroom", 0, "Minimum free memory in MB before a page is fetched. 0 disables.")
	fs.StringVar(&c.Authenticator, "authenticator", "noop", "Status server auth. 'noop' disables auth, jwt enables it")
	fs.StringVar(&c.JwtWellKnown, "well-known", "", "url to well-known.json endpoint")
	fs.StringVar(&c.TokenIssuer, "issuer", "", "jwt issuer")
	fs.StringVar(&c.TokenAudience, "audience", "", "jwt audience")

	fs.StringVar(&c.Profile, "profile", "", "Harvest profile (json, jsonc or yaml). Local path or http(s) url.")
	fs.StringVar(&c.ProfileLoaderClientID, "profile-loader-client-id", "", "Client id for profile loader")
	fs.StringVar(&c.ProfileLoaderClientSecret, "profile-loader-client-secret", "", "Client secret for profile loader")
	fs.StringVar(&c.ProfileLoaderAudience, "profile-loader-audience", "", "Audience for profile loader")
	fs.StringVar(&c.ProfileLoaderGrantType, "profile-loader-grant-type", "", "Grant type for profile loader")
	fs.StringVar(&c.ProfileLoaderAuthEndpoint, "profile-loader-auth-endpoint", "", "Auth endpoint for profile loader")
	return fs
}

// LoadEnv goes through all configuration fields and load values from ENV if present.
// Values from ENV will always overwrite params if they are present.
func (c *Config) LoadEnv() error {
	elems := []string{
		"LogType:LOG_TYPE",
		"LogLevel:LOG_LEVEL",
		"ServiceName:SERVICE_NAME",
		"APIKey:API_KEY",
		"Endpoint:ENDPOINT",
		"GraphBase:GRAPH_BASE",
		"QueryDir:QUERY_DIR",
		"DatasetsFile:DATASETS_FILE",
		"PropertiesFile:PROPERTIES_FILE",
		"TargetPrefix:TARGET_PREFIX",
		"PageSize:PAGE_SIZE",
		"Workers:WORKERS",
		"FetchTimeout:FETCH_TIMEOUT",
		"Output:OUTPUT",
		"Store:STORE",
		"StorePath:STORE_PATH",
		"StatusPort:STATUS_PORT",
		"MemoryHeadroom:MEMORY_HEADROOM",
		"Authenticator:AUTHENTICATOR",
		"JwtWellKnown:WELL_KNOWN",
		"TokenIssuer:ISSUER",
		"TokenAudience:AUDIENCE",
		"Profile:PROFILE",
		"ProfileLoaderClientID:PROFILE_LOADER_CLIENT_ID",
		"ProfileLoaderClientSecret:PROFILE_LOADER_CLIENT_SECRET",
		"ProfileLoaderAudience:PROFILE_LOADER_AUDIENCE",
		"ProfileLoaderGrantType:PROFILE_LOADER_GRANT_TYPE",
		"ProfileLoaderAuthEndpoint:PROFILE_LOADER_AUTH_ENDPOINT",
	}
	o := reflect.ValueOf(c).Elem()
	for _, item := range elems {
		fieldName, env, _ := strings.Cut(item, ":")
		if v, ok := os.LookupEnv(env); ok {
			field := o.FieldByName(fieldName)
			if field.CanInt() {
				conv, err := strconv.Atoi(v)
				if err != nil {
					return fmt.Errorf("%w: %s: %v", ErrConfig, env, err)
				}
				field.SetInt(int64(conv))
			} else {
				field.SetString(v)
			}
		}
	}
	return nil
}

// ApplyModeDefaults fills page size, termination and reporting from the
// harvest mode when they were not set explicitly.
func (c *Config) ApplyModeDefaults() {
	switch c.Mode {
	case ModeConstruct:
		if c.PageSize == 0 {
			c.PageSize = defaultConstructPageSize
		}
		if c.Termination == "" {
			c.Termination = string(ExactEmpty)
		}
		if c.Reporting == "" {
			c.Reporting = string(ReportPerPage)
		}
	case ModeLinks:
		if c.PageSize == 0 {
			c.PageSize = defaultLinksPageSize
		}
		if c.Termination == "" {
			c.Termination = string(ShortPage)
		}
		if c.Reporting == "" {
			c.Reporting = string(ReportPerRequest)
		}
	}
}

// Validate checks the configuration eagerly, so that a missing credential
// fails the process before the first remote call.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: missing api key, set API_KEY", ErrConfig)
	}
	switch c.Mode {
	case ModeConstruct:
		if c.QueryDir == "" {
			return fmt.Errorf("%w: construct mode needs a query directory", ErrConfig)
		}
	case ModeLinks:
		if c.DatasetsFile == "" && len(c.Datasets) == 0 {
			return fmt.Errorf("%w: links mode needs a datasets file or inline datasets", ErrConfig)
		}
		if c.PropertiesFile == "" && len(c.Properties) == 0 {
			return fmt.Errorf("%w: links mode needs a properties file or inline properties", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: %w %q", ErrConfig, ErrUnknownMode, c.Mode)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("%w: page size must be positive", ErrConfig)
	}
	if _, err := ParseTermination(c.Termination); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if _, err := ParseReporting(c.Reporting); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1", ErrConfig)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("%w: fetch timeout must be positive", ErrConfig)
	}
	if c.Retries < 0 {
		return fmt.Errorf("%w: retries cannot be negative", ErrConfig)
	}
	if c.Output == "" {
		return fmt.Errorf("%w: missing output file", ErrConfig)
	}
	if _, err := CodecFor(c.Compression, c.Output); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.StorePath == "" {
			return fmt.Errorf("%w: sqlite store needs a store path", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrConfig, c.Store)
	}
	if c.Authenticator == "jwt" && c.JwtWellKnown == "" {
		return fmt.Errorf("%w: must set well known when jwt is used for auth", ErrConfig)
	}
	if c.Authenticator == "jwt" && (c.TokenIssuer == "" || c.TokenAudience == "") {
		return fmt.Errorf("%w: must set audience/issuer when jwt is used for auth", ErrConfig)
	}
	return nil
}

func (c *Config) FetchTimeoutDuration() time.Duration {
	return time.Duration(c.FetchTimeout) * time.Second
}

// Policy derives the harvesting policy of the configured mode.
func (c *Config) Policy() (Policy, error) {
	term, err := ParseTermination(c.Termination)
	if err != nil {
		return Policy{}, err
	}
	rep, err := ParseReporting(c.Reporting)
	if err != nil {
		return Policy{}, err
	}
	p := Policy{PageSize: c.PageSize, Termination: term, Reporting: rep}
	switch c.Mode {
	case ModeConstruct:
		p.Transform = PassThrough()
	case ModeLinks:
		p.Transform = SubstitutePredicate(c.TargetPrefix)
	default:
		return Policy{}, fmt.Errorf("%w %q", ErrUnknownMode, c.Mode)
	}
	return p, nil
}
