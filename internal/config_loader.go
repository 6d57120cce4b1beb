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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Profile is a reusable harvest setup. Zero values leave the configuration
// untouched.
type Profile struct {
	Mode         string   `json:"mode" yaml:"mode"`
	Endpoint     string   `json:"endpoint" yaml:"endpoint"`
	GraphBase    string   `json:"graph_base" yaml:"graph_base"`
	QueryDir     string   `json:"query_dir" yaml:"query_dir"`
	QueryPattern string   `json:"query_pattern" yaml:"query_pattern"`
	Datasets     []string `json:"datasets" yaml:"datasets"`
	Properties   []string `json:"properties" yaml:"properties"`
	TargetPrefix string   `json:"target_prefix" yaml:"target_prefix"`
	PageSize     int      `json:"page_size" yaml:"page_size"`
	Termination  string   `json:"termination" yaml:"termination"`
	Reporting    string   `json:"reporting" yaml:"reporting"`
	Workers      int      `json:"workers" yaml:"workers"`
	Output       string   `json:"output" yaml:"output"`
	Compression  string   `json:"compression" yaml:"compression"`
}

// Apply copies the non-zero profile values onto cfg. The mode of the
// command line wins over the profile's mode.
func (p *Profile) Apply(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = p.Mode
	}
	setString(&cfg.Endpoint, p.Endpoint)
	setString(&cfg.GraphBase, p.GraphBase)
	setString(&cfg.QueryDir, p.QueryDir)
	setString(&cfg.QueryPattern, p.QueryPattern)
	setString(&cfg.TargetPrefix, p.TargetPrefix)
	setString(&cfg.Termination, p.Termination)
	setString(&cfg.Reporting, p.Reporting)
	setString(&cfg.Output, p.Output)
	setString(&cfg.Compression, p.Compression)
	if len(p.Datasets) > 0 {
		cfg.Datasets = p.Datasets
	}
	if len(p.Properties) > 0 {
		cfg.Properties = p.Properties
	}
	if p.PageSize > 0 {
		cfg.PageSize = p.PageSize
	}
	if p.Workers > 0 {
		cfg.Workers = p.Workers
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

type ProfileLoader struct {
	httpClient  *http.Client
	loadProfile func(location string) (*Profile, error)
	cachedToken string
	cacheUntil  time.Time
}

func NewProfileLoader(cfg *Config) *ProfileLoader {
	c := &ProfileLoader{}
	c.loadProfile = c.loadFile
	if strings.HasPrefix(cfg.Profile, "http") {
		c.httpClient = &http.Client{
			Timeout: 10 * time.Second,
		}
		c.loadProfile = c.loadUrl(
			cfg.ProfileLoaderClientID,
			cfg.ProfileLoaderClientSecret,
			cfg.ProfileLoaderAudience,
			cfg.ProfileLoaderGrantType,
			cfg.ProfileLoaderAuthEndpoint,
		)
	}
	return c
}

// Load reads the profile at cfg.Profile and applies it to cfg. Without a
// profile location this is a no-op.
func (c *ProfileLoader) Load(cfg *Config) error {
	if cfg.Profile == "" {
		return nil
	}
	LOG.Debug().Msg("loading harvest profile from " + cfg.Profile)
	p, err := c.loadProfile(cfg.Profile)
	if err != nil {
		return fmt.Errorf("%w: profile %s: %v", ErrConfig, cfg.Profile, err)
	}
	p.Apply(cfg)
	return nil
}

func (c *ProfileLoader) loadUrl(clientId, clientSecret, audience, grantType, endPoint string) func(location string) (*Profile, error) {
	return func(location string) (*Profile, error) {
		req, err := http.NewRequest(http.MethodGet, location, nil)
		if err != nil {
			return nil, err
		}
		if endPoint != "" {
			now := time.Now()
			if c.cachedToken == "" || now.After(c.cacheUntil) {
				res, err2 := c.fetchNewToken(clientId, clientSecret, audience, grantType, endPoint)
				if err2 != nil {
					LOG.Error().Err(err2).Msg("Unable to fetch new profile token")
					return nil, err2
				}
				c.cacheUntil = time.Now().Add(time.Duration(res.ExpiresIn)*time.Second - 10*time.Second)
				c.cachedToken = res.AccessToken
			}
			req.Header.Add("Authorization", "Bearer "+c.cachedToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			LOG.Error().Err(err).Msg("Unable to open profile url: " + location)
			return nil, err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("profile endpoint returned %s", resp.Status)
		}
		format := profileFormat(location, resp.Header.Get("Content-Type"))
		return parseProfile(resp.Body, format)
	}
}

func (c *ProfileLoader) loadFile(location string) (*Profile, error) {
	reader, err := os.Open(location)
	if err != nil {
		LOG.Error().Err(err).Msg("Unable to open profile file: " + location)
		return nil, err
	}
	defer reader.Close()
	return parseProfile(reader, profileFormat(location, ""))
}

func profileFormat(location, contentType string) string {
	switch {
	case strings.Contains(contentType, "yaml"):
		return "yaml"
	case strings.Contains(contentType, "json"):
		return "json"
	}
	switch strings.ToLower(path.Ext(location)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".jsonc":
		return "jsonc"
	default:
		return "json"
	}
}

func parseProfile(reader io.Reader, format string) (*Profile, error) {
	s, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	p := &Profile{}
	switch format {
	case "yaml":
		err = yaml.Unmarshal(s, p)
	default:
		// jsonc is a superset of json, so plain json passes through unchanged
		err = json.Unmarshal(jsonc.ToJSON(s), p)
	}
	if err != nil {
		LOG.Warn().Err(err).Str("profile", string(s)).Msg("Unable to parse profile")
		return nil, err
	}
	return p, nil
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	Scope       string `json:"scope"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (c *ProfileLoader) fetchNewToken(clientId, clientSecret, audience, grantType, endpoint string) (*authResponse, error) {
	requestBody, err := json.Marshal(map[string]string{
		"client_id":     clientId,
		"client_secret": clientSecret,
		"audience":      audience,
		"grant_type":    grantType,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		LOG.Warn().Err(err).Msg("Unable to call auth endpoint")
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		b, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("not authorized. status=%v, err=%v", res.Status, string(b))
	}

	auth := &authResponse{}
	if err := json.NewDecoder(res.Body).Decode(auth); err != nil {
		return nil, err
	}
	return auth, nil
}
